package leakscan

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recon-engine/internal/core/parsers"
	"recon-engine/internal/core/pipeline"
	"recon-engine/internal/core/runner"
	"recon-engine/internal/platform/config"
	apperrors "recon-engine/internal/platform/errors"
	"recon-engine/internal/storage"
)

type fakeLeakStore struct {
	records []parsers.LeakRecord
}

func (s *fakeLeakStore) BulkInsertLeakDetections(_ context.Context, _ int64, recs []parsers.LeakRecord) error {
	s.records = append(s.records, recs...)
	return nil
}

func leakConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		JobsDir: t.TempDir(),
		Tools:   config.Tools{LeakBrute: t.TempDir()},
		LeakScan: config.LeakScan{
			Enabled: true,
			Mode:    "tiny",
			Threads: 4,
		},
	}
}

func completedJob() *storage.ScanJob {
	return &storage.ScanJob{ID: 5, JobID: "job-1", Domain: "example.com", Status: storage.StatusCompleted}
}

func writeArtifact(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestScanRequiresCompletedJob(t *testing.T) {
	s := New(leakConfig(t), &fakeLeakStore{})
	job := completedJob()
	job.Status = storage.StatusRunning

	_, err := s.Scan(context.Background(), job, nil, "")
	assert.True(t, apperrors.IsConflict(err), "got %v", err)
}

func TestScanDisabled(t *testing.T) {
	cfg := leakConfig(t)
	cfg.LeakScan.Enabled = false
	s := New(cfg, &fakeLeakStore{})

	_, err := s.Scan(context.Background(), completedJob(), nil, "")
	assert.True(t, apperrors.IsInvalidArgument(err), "got %v", err)
}

func TestScanNoValidURLs(t *testing.T) {
	cfg := leakConfig(t)
	layout := pipeline.NewLayout(cfg.JobsDir, "job-1")
	writeArtifact(t, layout.LiveURLs(), "ftp://a.example.com\nno-es-url\n")

	s := New(cfg, &fakeLeakStore{})
	_, err := s.Scan(context.Background(), completedJob(), nil, "")
	assert.True(t, apperrors.IsInvalidArgument(err), "got %v", err)
}

func TestScanMergesStdoutAndCSV(t *testing.T) {
	cfg := leakConfig(t)
	layout := pipeline.NewLayout(cfg.JobsDir, "job-1")
	writeArtifact(t, layout.LiveURLs(), "https://a.example.com\nhttps://b.example.com\n")

	runTool = func(ctx context.Context, spec runner.Spec) (runner.Result, error) {
		// El proceso corre desde su directorio de instalación.
		assert.Equal(t, cfg.Tools.LeakBrute, spec.Dir)
		assert.Equal(t, "./leak-brute", spec.Argv[0])

		// Un hallazgo en vivo y los CSV por status: 200 repite la URL del
		// stream (se descarta), 403 aporta una nueva, 404 se ignora entero.
		writeArtifact(t, filepath.Join(layout.LeakResultsDir(), "200.csv"),
			"Code,Length,Time,Type,URL\n200,1024,0.35,text/plain,https://a.example.com/.env\n")
		writeArtifact(t, filepath.Join(layout.LeakResultsDir(), "403.csv"),
			"Code,Length,Time,Type,URL\n403,512,0.20,text/html,https://b.example.com/backup.zip\n")
		writeArtifact(t, filepath.Join(layout.LeakResultsDir(), "404.csv"),
			"Code,Length,Time,Type,URL\n404,0,0.10,text/html,https://b.example.com/nope\n")
		return runner.Result{
			Stdout: "[200] 1024 0.35s text/plain https://a.example.com/.env\n",
		}, nil
	}
	t.Cleanup(func() { runTool = runner.Run })

	store := &fakeLeakStore{}
	s := New(cfg, store)
	res, err := s.Scan(context.Background(), completedJob(), nil, "")
	require.NoError(t, err)

	assert.Equal(t, 2, res.URLsScanned)
	assert.Equal(t, 2, res.LeaksFound)
	assert.Equal(t, "tiny", res.Mode)

	require.Len(t, store.records, 2)
	assert.Equal(t, "https://a.example.com/.env", store.records[0].FileURL)
	assert.Equal(t, parsers.SeverityHigh, store.records[0].Severity)
	assert.Equal(t, "https://b.example.com/backup.zip", store.records[1].FileURL)
	assert.Equal(t, parsers.SeverityHigh, store.records[1].Severity)
}

func TestScanPrefersNoWafList(t *testing.T) {
	cfg := leakConfig(t)
	layout := pipeline.NewLayout(cfg.JobsDir, "job-1")
	writeArtifact(t, layout.LiveURLs(), "https://a.example.com\nhttps://b.example.com\n")
	writeArtifact(t, layout.URLsNoWaf(), "https://b.example.com\n")

	var scanned string
	runTool = func(ctx context.Context, spec runner.Spec) (runner.Result, error) {
		for i, a := range spec.Argv {
			if a == "-l" && i+1 < len(spec.Argv) {
				data, err := os.ReadFile(spec.Argv[i+1])
				require.NoError(t, err)
				scanned = string(data)
			}
		}
		return runner.Result{}, nil
	}
	t.Cleanup(func() { runTool = runner.Run })

	s := New(cfg, &fakeLeakStore{})
	res, err := s.Scan(context.Background(), completedJob(), nil, "")
	require.NoError(t, err)
	assert.Equal(t, 1, res.URLsScanned)
	assert.Equal(t, "https://b.example.com\n", scanned)
}

const liveFixture = `{"url":"https://a.example.com","status_code":200,"host":"a.example.com"}
{"url":"https://b.example.com","status_code":403,"host":"b.example.com"}
`

func TestScanRequestedSubsetFiltersAgainstLive(t *testing.T) {
	cfg := leakConfig(t)
	layout := pipeline.NewLayout(cfg.JobsDir, "job-1")
	writeArtifact(t, layout.Live(), liveFixture)

	var scanned string
	runTool = func(ctx context.Context, spec runner.Spec) (runner.Result, error) {
		for i, a := range spec.Argv {
			if a == "-l" && i+1 < len(spec.Argv) {
				data, err := os.ReadFile(spec.Argv[i+1])
				require.NoError(t, err)
				scanned = string(data)
			}
		}
		return runner.Result{}, nil
	}
	t.Cleanup(func() { runTool = runner.Run })

	s := New(cfg, &fakeLeakStore{})

	// El subconjunto se filtra contra los campos url de live.txt; las URLs
	// ajenas caen en silencio.
	res, err := s.Scan(context.Background(), completedJob(),
		[]string{"https://b.example.com", "https://intruso.example.org"}, "")
	require.NoError(t, err)
	assert.Equal(t, 1, res.URLsScanned)
	assert.Equal(t, "https://b.example.com\n", scanned)

	// Si nada del subconjunto pertenece al job, el escaneo no arranca.
	_, err = s.Scan(context.Background(), completedJob(), []string{"https://intruso.example.org"}, "")
	assert.True(t, apperrors.IsInvalidArgument(err), "got %v", err)
}

func TestScanModeOverride(t *testing.T) {
	cfg := leakConfig(t)
	layout := pipeline.NewLayout(cfg.JobsDir, "job-1")
	writeArtifact(t, layout.LiveURLs(), "https://a.example.com\n")

	var argv []string
	runTool = func(ctx context.Context, spec runner.Spec) (runner.Result, error) {
		argv = spec.Argv
		return runner.Result{}, nil
	}
	t.Cleanup(func() { runTool = runner.Run })

	s := New(cfg, &fakeLeakStore{})
	res, err := s.Scan(context.Background(), completedJob(), nil, "full")
	require.NoError(t, err)
	assert.Equal(t, "full", res.Mode)
	assert.Contains(t, argv, "-m")
	assert.Contains(t, argv, "full")

	_, err = s.Scan(context.Background(), completedJob(), nil, "gigante")
	assert.True(t, apperrors.IsInvalidArgument(err), "got %v", err)
}

func TestLiveTargets(t *testing.T) {
	cfg := leakConfig(t)
	layout := pipeline.NewLayout(cfg.JobsDir, "job-1")
	writeArtifact(t, layout.Live(), liveFixture+`{"url":"https://a.example.com","status_code":301}`+"\n")

	got, err := LiveTargets(cfg.JobsDir, "job-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, got)

	// Sin live.txt el job no tiene universo de filtrado.
	_, err = LiveTargets(cfg.JobsDir, "job-sin-probe")
	assert.True(t, apperrors.IsInvalidArgument(err), "got %v", err)
}

func TestScanToolFailurePropagates(t *testing.T) {
	cfg := leakConfig(t)
	layout := pipeline.NewLayout(cfg.JobsDir, "job-1")
	writeArtifact(t, layout.LiveURLs(), "https://a.example.com\n")

	runTool = func(ctx context.Context, spec runner.Spec) (runner.Result, error) {
		return runner.Result{}, fmt.Errorf("sin red")
	}
	t.Cleanup(func() { runTool = runner.Run })

	s := New(cfg, &fakeLeakStore{})
	_, err := s.Scan(context.Background(), completedJob(), nil, "")
	assert.Error(t, err)
}
