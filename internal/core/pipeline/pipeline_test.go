package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recon-engine/internal/core/mergedup"
	"recon-engine/internal/core/parsers"
	"recon-engine/internal/core/runner"
	"recon-engine/internal/platform/config"
	"recon-engine/internal/storage"
)

type fakeStore struct {
	mu         sync.Mutex
	subdomains []parsers.Hostname
	probes     []parsers.ProbeRecord
	techs      map[string][]string
	markedDead bool
	wafs       []parsers.WafRecord
	shots      []storage.Screenshot
}

func newFakeStore() *fakeStore {
	return &fakeStore{techs: make(map[string][]string)}
}

func (s *fakeStore) BulkInsertSubdomains(_ context.Context, _ int64, hosts []parsers.Hostname) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subdomains = append(s.subdomains, hosts...)
	return nil
}

func (s *fakeStore) ApplyProbeResult(_ context.Context, _ int64, rec parsers.ProbeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probes = append(s.probes, rec)
	return nil
}

func (s *fakeStore) InsertTechnologies(_ context.Context, _ int64, hostname string, techs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.techs[hostname] = append(s.techs[hostname], techs...)
	return nil
}

func (s *fakeStore) MarkUnprobedDead(context.Context, int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markedDead = true
	return nil
}

func (s *fakeStore) BulkInsertWafDetections(_ context.Context, _ int64, recs []parsers.WafRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wafs = append(s.wafs, recs...)
	return nil
}

func (s *fakeStore) CreateScreenshot(_ context.Context, shot storage.Screenshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shots = append(s.shots, shot)
	return nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		JobsDir: t.TempDir(),
		Tools: config.Tools{
			Subfinder: "subfinder", Amass: "amass", Assetfinder: "assetfinder",
			HTTPX: "httpx", Gowitness: "gowitness", Wafw00f: "wafw00f",
		},
	}
}

func argAfter(argv []string, flag string) string {
	for i, a := range argv {
		if a == flag && i+1 < len(argv) {
			return argv[i+1]
		}
	}
	return ""
}

// installFakeTools sustituye los seams por implementaciones en memoria que
// imitan la salida de cada herramienta.
func installFakeTools(t *testing.T, httpxOut string, wafJSON string, wafErr error) {
	t.Helper()

	streamTool = func(ctx context.Context, spec runner.Spec, out chan<- string) error {
		var lines []string
		switch spec.Tool {
		case "subfinder":
			lines = []string{"a.example.com", "b.example.com"}
		case "assetfinder":
			lines = []string{"b.example.com", "c.example.com"}
		default:
			return fmt.Errorf("herramienta inesperada en stream: %s", spec.Tool)
		}
		for _, line := range lines {
			select {
			case out <- line:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}

	runTool = func(ctx context.Context, spec runner.Spec) (runner.Result, error) {
		switch spec.Tool {
		case "amass":
			return runner.Result{Stdout: strings.Join([]string{
				"a.example.com (FQDN) --> a_record --> 1.2.3.4",
				"d.example.com (FQDN) --> cname_record --> a.example.com (FQDN)",
				"evil.other.com (FQDN) --> a_record --> 9.9.9.9",
			}, "\n")}, nil
		case "httpx":
			return runner.Result{Stdout: httpxOut}, nil
		case "wafw00f":
			if wafErr != nil {
				return runner.Result{}, wafErr
			}
			path := argAfter(spec.Argv, "-o")
			if err := os.WriteFile(path, []byte(wafJSON), 0o644); err != nil {
				return runner.Result{}, err
			}
			return runner.Result{}, nil
		case "gowitness":
			shots := argAfter(spec.Argv, "--screenshot-path")
			return runner.Result{}, os.WriteFile(
				filepath.Join(shots, "https---a.example.com.png"), []byte("png"), 0o644)
		default:
			return runner.Result{}, fmt.Errorf("herramienta inesperada: %s", spec.Tool)
		}
	}

	t.Cleanup(func() {
		runTool = runner.Run
		streamTool = runner.Stream
	})
}

const httpxFixture = `{"url":"https://a.example.com","status_code":200,"title":"Home","host":"a.example.com","tech":["nginx","PHP"],"a":["1.2.3.4"]}
{"url":"https://c.example.com","status_code":403,"host":"c.example.com"}
{"url":"https://b.example.com","status_code":0,"host":"b.example.com"}
`

const wafFixture = `[
  {"url":"https://a.example.com","detected":true,"firewall":"Cloudflare","manufacturer":"Cloudflare, Inc."},
  {"url":"https://c.example.com","detected":false,"firewall":"None","manufacturer":""}
]`

func TestRunFullPipeline(t *testing.T) {
	installFakeTools(t, httpxFixture, wafFixture, nil)
	cfg := testConfig(t)
	store := newFakeStore()
	p := New(cfg, store)

	var milestones []int
	job := &storage.ScanJob{ID: 1, JobID: "job-1", Domain: "example.com"}
	stats, err := p.Run(context.Background(), job, func(pct int, _ string) {
		milestones = append(milestones, pct)
	})
	require.NoError(t, err)
	// Los tres ticks extra en 10 son los avisos por productor de la enumeración.
	assert.Equal(t, []int{10, 10, 10, 10, 40, 75, 85, 100}, milestones)
	assert.Equal(t, Stats{TotalSubdomains: 4, LiveHosts: 2, ScreenshotsTaken: 1}, stats)

	// Enumeración: unión de los tres productores, sin el dominio ajeno.
	layout := NewLayout(cfg.JobsDir, "job-1")
	subs, err := mergedup.ReadSet(layout.Subs())
	require.NoError(t, err)
	sort.Strings(subs)
	assert.Equal(t, []string{"a.example.com", "b.example.com", "c.example.com", "d.example.com"}, subs)

	// El filtro de amass archiva el crudo y el resultado limpio por separado.
	raw, err := os.ReadFile(layout.AmassRaw())
	require.NoError(t, err)
	assert.Contains(t, string(raw), "evil.other.com")
	clean, err := os.ReadFile(layout.AmassFiltered())
	require.NoError(t, err)
	assert.NotContains(t, string(clean), "evil.other.com")

	// Probe: live.txt archiva la salida JSONL cruda del prober; las URLs
	// vivas (a y c, b con status 0 no) van a live_urls.txt.
	rawProbe, err := os.ReadFile(layout.Live())
	require.NoError(t, err)
	assert.Equal(t, httpxFixture, string(rawProbe))
	liveURLs, err := mergedup.ReadSet(layout.LiveURLs())
	require.NoError(t, err)
	sort.Strings(liveURLs)
	assert.Equal(t, []string{"https://a.example.com", "https://c.example.com"}, liveURLs)
	assert.True(t, store.markedDead)
	assert.Len(t, store.probes, 3)
	assert.Equal(t, []string{"nginx", "PHP"}, store.techs["a.example.com"])

	// WAF: a protegido por Cloudflare, c queda en la lista limpia.
	require.Len(t, store.wafs, 2)
	noWaf, err := os.ReadFile(layout.URLsNoWaf())
	require.NoError(t, err)
	assert.Equal(t, "https://c.example.com\n", string(noWaf))

	// Capturas: un PNG registrado con URL decodificada.
	require.Len(t, store.shots, 1)
	assert.Equal(t, "https://a.example.com", store.shots[0].URL)
	assert.Equal(t, "https---a.example.com.png", store.shots[0].Filename)
}

func TestRunFailsWithoutLiveHosts(t *testing.T) {
	installFakeTools(t, `{"url":"https://b.example.com","status_code":0,"host":"b.example.com"}`+"\n", wafFixture, nil)
	cfg := testConfig(t)
	p := New(cfg, newFakeStore())

	var last int
	job := &storage.ScanJob{ID: 1, JobID: "job-2", Domain: "example.com"}
	_, err := p.Run(context.Background(), job, func(pct int, _ string) { last = pct })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "No live hosts found")
	assert.Equal(t, 40, last)
}

func TestRunWafFailureIsNonFatal(t *testing.T) {
	installFakeTools(t, httpxFixture, "", fmt.Errorf("wafw00f terminó con código 2"))
	cfg := testConfig(t)
	store := newFakeStore()
	p := New(cfg, store)

	var milestones []int
	job := &storage.ScanJob{ID: 1, JobID: "job-3", Domain: "example.com"}
	stats, err := p.Run(context.Background(), job, func(pct int, _ string) {
		milestones = append(milestones, pct)
	})
	// El fallo de WAF es recuperable: Run termina bien, con el set de
	// detecciones vacío y el error anotado en las stats.
	require.NoError(t, err)
	require.Len(t, stats.Errors, 1)
	assert.Contains(t, stats.Errors[0], "waf check")
	assert.Empty(t, store.wafs)
	// El pipeline llegó hasta el final y las capturas sí corrieron.
	assert.Equal(t, []int{10, 10, 10, 10, 40, 75, 85, 100}, milestones)
	assert.Len(t, store.shots, 1)
}

func TestEnumerateFailsWhenAllToolsFail(t *testing.T) {
	streamTool = func(ctx context.Context, spec runner.Spec, out chan<- string) error {
		return fmt.Errorf("%s no disponible", spec.Tool)
	}
	runTool = func(ctx context.Context, spec runner.Spec) (runner.Result, error) {
		return runner.Result{}, fmt.Errorf("%s no disponible", spec.Tool)
	}
	t.Cleanup(func() {
		runTool = runner.Run
		streamTool = runner.Stream
	})

	cfg := testConfig(t)
	p := New(cfg, newFakeStore())

	var last int
	job := &storage.ScanJob{ID: 1, JobID: "job-4", Domain: "example.com"}
	_, err := p.Run(context.Background(), job, func(pct int, _ string) { last = pct })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "subdomain enumeration failed")
	assert.Equal(t, 10, last)
}

func TestDecodeScreenshotURL(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"https---sub.example.com.png", "https://sub.example.com"},
		{"http---example.com.jpeg", "http://example.com"},
		{"https---a-b.example.com.png", "https://a.b.example.com"},
		{"plain.png", "plain"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, DecodeScreenshotURL(tc.in), "input %q", tc.in)
	}
}
