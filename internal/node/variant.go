package node

// Variant names the WebDriver binary flavour a node process launches, used
// only to pick quirk arguments (spec.md §4.6 "quirk args per variant").
type Variant string

const (
	VariantChrome  Variant = "chrome"
	VariantFirefox Variant = "firefox"
	VariantSafari  Variant = "safari"
	VariantEdge    Variant = "edge"
)

// quirkArgs returns the extra argv entries a variant's WebDriver binary
// needs beyond the port flag.
func quirkArgs(v Variant) []string {
	switch v {
	case VariantChrome, VariantEdge:
		return []string{"--whitelisted-ips", "*"}
	case VariantSafari:
		return []string{"--diagnose", "-p"}
	default:
		return nil
	}
}
