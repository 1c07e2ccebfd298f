// Command trojan ingests estimation workbooks into a local blob store and
// reads the results back, or submits them to a running worker.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/config"
	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/ingest"
	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/logging"
	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/manifest"
	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/retrieval"
	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/storage"
	"github.com/mendozarene1206-hub/AutoGrid-sub000/pkg/client"
)

var (
	storageDir   string
	logLevel     string
	pretty       bool
	estimationID string
	serverURL    string
	includeEmpty bool
	maxDepth     int
	sheetType    string
	limit        int
	offset       int
	wait         time.Duration
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "trojan",
		Short:         "Ingest construction estimation workbooks",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&storageDir, "storage-dir", "./data", "Filesystem blob store root")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level")
	rootCmd.PersistentFlags().BoolVar(&pretty, "pretty", false, "Pretty-print JSON output")

	ingestCmd := &cobra.Command{
		Use:   "ingest [input.xlsx]",
		Short: "Ingest a workbook into the local store and print the result",
		Args:  cobra.ExactArgs(1),
		RunE:  runIngest,
	}
	ingestCmd.Flags().StringVar(&estimationID, "id", "", "Estimation id (default: derived from the file name)")

	treeCmd := &cobra.Command{
		Use:   "tree [estimationId]",
		Short: "Print the concept tree of an ingested estimation",
		Args:  cobra.ExactArgs(1),
		RunE:  runTree,
	}
	treeCmd.Flags().BoolVar(&includeEmpty, "include-empty", false, "Keep concepts without rows or assets")
	treeCmd.Flags().IntVar(&maxDepth, "max-depth", 0, "Maximum depth, 0 for all")

	assetsCmd := &cobra.Command{
		Use:   "assets [estimationId] [conceptCode]",
		Short: "List the assets of a concept",
		Args:  cobra.ExactArgs(2),
		RunE:  runAssets,
	}
	assetsCmd.Flags().StringVar(&sheetType, "type", "", "Asset type: photo, generator, sketch, other")
	assetsCmd.Flags().IntVar(&limit, "limit", retrieval.DefaultPageSize, "Page size")
	assetsCmd.Flags().IntVar(&offset, "offset", 0, "Page offset")

	manifestCmd := &cobra.Command{
		Use:   "manifest [estimationId]",
		Short: "Print the manifest of an ingested estimation",
		Args:  cobra.ExactArgs(1),
		RunE:  runManifest,
	}

	submitCmd := &cobra.Command{
		Use:   "submit [input.xlsx]",
		Short: "Upload a workbook to a running worker and wait for the run",
		Args:  cobra.ExactArgs(1),
		RunE:  runSubmit,
	}
	submitCmd.Flags().StringVar(&serverURL, "server", "http://localhost:8081", "Worker base URL")
	submitCmd.Flags().StringVar(&estimationID, "id", "", "Estimation id (default: derived from the file name)")
	submitCmd.Flags().DurationVar(&wait, "wait", 5*time.Minute, "How long to wait for the run, 0 to return at once")

	rootCmd.AddCommand(ingestCmd, treeCmd, assetsCmd, manifestCmd, submitCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func localConfig() config.Config {
	cfg := config.Defaults()
	cfg.StorageDir = storageDir
	cfg.LogLevel = logLevel
	cfg.LogFormat = "text"
	return cfg
}

func openLocal(ctx context.Context) (storage.BlobStore, *logrus.Logger, error) {
	cfg := localConfig()
	store, _, err := cfg.OpenStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	return store, logging.NewWithOutput(cfg.LogLevel, cfg.LogFormat, os.Stderr), nil
}

func idFor(path string) (string, error) {
	id := estimationID
	if id == "" {
		id = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		id = strings.Map(func(r rune) rune {
			if r == '-' || r == '_' || ('0' <= r && r <= '9') || ('a' <= r && r <= 'z') || ('A' <= r && r <= 'Z') {
				return r
			}
			return '-'
		}, id)
	}
	if !manifest.ValidEstimationID(id) {
		return "", fmt.Errorf("invalid estimation id %q, pass --id", id)
	}
	return id, nil
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	inputPath := args[0]
	id, err := idFor(inputPath)
	if err != nil {
		return err
	}

	f, err := os.Open(inputPath)
	if err != nil {
		return fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	store, logger, err := openLocal(ctx)
	if err != nil {
		return err
	}
	filename := filepath.Base(inputPath)
	key := manifest.UploadKey(id, filename)
	if err := store.Put(ctx, key, f, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"); err != nil {
		return fmt.Errorf("store workbook: %w", err)
	}

	orch := ingest.New(store, store, localConfig().Ingest(), ingest.WithLogger(logger))
	res, err := orch.Run(ctx, ingest.Job{
		RunID:        "cli-" + uuid.NewString(),
		EstimationID: id,
		SourceKey:    key,
		Filename:     filename,
	})
	if err != nil {
		return fmt.Errorf("ingestion failed: %w", err)
	}
	return printJSON(res)
}

func newLocalService(ctx context.Context) (*retrieval.Service, error) {
	store, logger, err := openLocal(ctx)
	if err != nil {
		return nil, err
	}
	return retrieval.NewService(store, retrieval.Config{}, logger, nil), nil
}

func runTree(cmd *cobra.Command, args []string) error {
	svc, err := newLocalService(cmd.Context())
	if err != nil {
		return err
	}
	tree, err := svc.GetTree(cmd.Context(), args[0], retrieval.TreeOptions{IncludeEmpty: includeEmpty, MaxDepth: maxDepth})
	if err != nil {
		return err
	}
	return printJSON(tree)
}

func runAssets(cmd *cobra.Command, args []string) error {
	svc, err := newLocalService(cmd.Context())
	if err != nil {
		return err
	}
	page, err := svc.GetAssets(cmd.Context(), args[0], retrieval.AssetQuery{
		ConceptCode: args[1],
		Type:        sheetType,
		Limit:       limit,
		Offset:      offset,
	})
	if err != nil {
		return err
	}
	return printJSON(page)
}

func runManifest(cmd *cobra.Command, args []string) error {
	svc, err := newLocalService(cmd.Context())
	if err != nil {
		return err
	}
	m, err := svc.GetManifest(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return printJSON(m)
}

func runSubmit(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	inputPath := args[0]
	id, err := idFor(inputPath)
	if err != nil {
		return err
	}
	f, err := os.Open(inputPath)
	if err != nil {
		return fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	c := client.New(serverURL)
	resp, err := c.Upload(ctx, id, filepath.Base(inputPath), f)
	if err != nil {
		return err
	}
	if wait <= 0 {
		return printJSON(resp)
	}

	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	status, err := c.WaitRun(waitCtx, resp.RunID, time.Second)
	if err != nil {
		return fmt.Errorf("run %s: %w", resp.RunID, err)
	}
	return printJSON(status)
}

func printJSON(v any) error {
	var (
		data []byte
		err  error
	)
	if pretty {
		data, err = json.MarshalIndent(v, "", "  ")
	} else {
		data, err = json.Marshal(v)
	}
	if err != nil {
		return fmt.Errorf("serialization failed: %w", err)
	}
	fmt.Println(string(data))
	return nil
}
