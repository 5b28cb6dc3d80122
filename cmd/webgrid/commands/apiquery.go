package commands

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/webgrid-go/webgrid/errors"
	"github.com/webgrid-go/webgrid/internal/archiver"
	"github.com/webgrid-go/webgrid/internal/discovery"
	"github.com/webgrid-go/webgrid/internal/domain"
	"github.com/webgrid-go/webgrid/internal/harness"
)

var (
	apiQueryDBPath    string
	apiQuerySessionID string
	apiQueryLimit     int
	apiQueryServe     bool
	apiQueryListen    string
	apiQueryAdvertise string
)

// ApiQueryCmd is both a one-shot CLI lookup (printed with pterm, matching
// the teacher's CLI table style) and, with --serve, the backing HTTP
// service ingress's catch-all responder proxies to (spec.md §4.3
// "falls through here... forwarded to it").
var ApiQueryCmd = &cobra.Command{
	Use:   "api-query",
	Short: "Query archived session records",
	RunE:  runApiQuery,
}

func init() {
	ApiQueryCmd.Flags().StringVar(&apiQueryDBPath, "db", "webgrid-archive.db", "sqlite archive database path")
	ApiQueryCmd.Flags().StringVar(&apiQuerySessionID, "session-id", "", "print one session's record (CLI mode only)")
	ApiQueryCmd.Flags().IntVar(&apiQueryLimit, "limit", 20, "number of recent sessions to list (CLI mode only)")
	ApiQueryCmd.Flags().BoolVar(&apiQueryServe, "serve", false, "run as the long-lived HTTP query service instead of a one-shot CLI lookup")
	ApiQueryCmd.Flags().StringVar(&apiQueryListen, "listen", ":4480", "HTTP listen address (--serve mode)")
	ApiQueryCmd.Flags().StringVar(&apiQueryAdvertise, "advertise", "", "endpoint to advertise for ingress discovery (--serve mode; empty disables)")
}

func runApiQuery(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	db, err := archiver.OpenDB(apiQueryDBPath)
	if err != nil {
		return errors.Wrap(err, "api-query: open database")
	}
	store := archiver.NewSQLiteStore(db, "", 0)

	if !apiQueryServe {
		return runApiQueryCLI(ctx, store)
	}

	b, err := ConnectBus(ctx)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /sessions", apiQueryListHandler(store))
	mux.HandleFunc("GET /sessions/{id}", apiQueryGetHandler(store))

	server := &http.Server{Addr: apiQueryListen, Handler: mux}
	jobs := []harness.Job{&httpServerJob{name: "api-query.http", server: server}}
	if apiQueryAdvertise != "" {
		jobs = append(jobs, discovery.NewAdvertiser(b, domain.ServiceDescriptor{Kind: domain.ServiceKindAPIQuery}, apiQueryAdvertise))
	}

	return RunWithProbe(ctx, "api-query", jobs)
}

func runApiQueryCLI(ctx context.Context, store *archiver.SQLiteStore) error {
	if apiQuerySessionID != "" {
		id, err := domain.ParseID(apiQuerySessionID)
		if err != nil {
			return errors.Wrap(err, "api-query: parse --session-id")
		}
		record, err := store.GetRecord(ctx, id)
		if err != nil {
			return err
		}
		printRecordTable([]domain.Record{record})
		return nil
	}

	records, err := store.ListRecords(ctx, apiQueryLimit)
	if err != nil {
		return err
	}
	printRecordTable(records)
	return nil
}

func printRecordTable(records []domain.Record) {
	rows := [][]string{{"Session", "Browser", "Created", "Terminated", "Bytes"}}
	for _, r := range records {
		terminated := ""
		if r.TerminatedAt != nil {
			terminated = r.TerminatedAt.Format("2006-01-02 15:04:05")
		}
		browser := strings.TrimSpace(r.BrowserName + " " + r.BrowserVersion)
		rows = append(rows, []string{
			r.ID.String(),
			browser,
			r.CreatedAt.Format("2006-01-02 15:04:05"),
			terminated,
			strconv.FormatInt(r.RecordingBytes, 10),
		})
	}
	_ = pterm.DefaultTable.WithHasHeader().WithData(pterm.TableData(rows)).Render()
}

func apiQueryListHandler(store *archiver.SQLiteStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := apiQueryLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil {
				limit = n
			}
		}
		records, err := store.ListRecords(r.Context(), limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, records)
	}
}

func apiQueryGetHandler(store *archiver.SQLiteStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := domain.ParseID(r.PathValue("id"))
		if err != nil {
			http.Error(w, "malformed session id", http.StatusBadRequest)
			return
		}
		record, err := store.GetRecord(r.Context(), id)
		if err != nil {
			if errors.Is(err, archiver.ErrSessionNotFound) {
				http.Error(w, "not found", http.StatusNotFound)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, record)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
