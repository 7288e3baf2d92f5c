package parsers

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseFlat(t *testing.T) {
	input := "A.Example.com\n\n[INF] banner line\nb.example.com\nnodots\nb.example.com\n"

	got := ParseFlat(strings.NewReader(input), "subfinder")
	want := []Hostname{
		{Name: "a.example.com", Source: "subfinder"},
		{Name: "b.example.com", Source: "subfinder"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ParseFlat (-want +got):\n%s", diff)
	}
}

func TestParseAmassGraphGating(t *testing.T) {
	input := strings.Join([]string{
		"foo.example.com (FQDN) --> a_record --> 1.2.3.4",
		"evil.other.com (FQDN) --> a_record --> 5.6.7.8",
		"bar.example.com",
		"baz.other.com",
		"not a domain line --> something",
		"",
	}, "\n")

	got := ParseAmass(strings.NewReader(input), "example.com")
	want := []Hostname{
		{Name: "foo.example.com", Source: "amass"},
		{Name: "bar.example.com", Source: "amass"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ParseAmass (-want +got):\n%s", diff)
	}
}

func TestParseHTTPX(t *testing.T) {
	input := strings.Join([]string{
		`{"url":"https://a.example.com","status_code":200,"title":" Home ","tech":["nginx"],"a":["1.2.3.4"],"chain_status_codes":[301,200]}`,
		`{"status_code":200}`,
		`definitely not json`,
		`{"url":"https://c.example.com","status_code":999}`,
		``,
	}, "\n")

	got := ParseHTTPX(strings.NewReader(input))
	if len(got) != 2 {
		t.Fatalf("expected 2 records, got %d", len(got))
	}
	if got[0].Title != "Home" {
		t.Errorf("title = %q", got[0].Title)
	}
	if !got[0].IsLive() {
		t.Error("status 200 should be live")
	}
	if got[1].IsLive() {
		t.Error("status 999 should not be live")
	}
	if got[0].Hostname() != "a.example.com" {
		t.Errorf("hostname = %q", got[0].Hostname())
	}
}

func TestParseHTTPXIsDeterministic(t *testing.T) {
	input := `{"url":"https://a.example.com","status_code":200}` + "\n" +
		`{"url":"https://b.example.com","status_code":301}` + "\n"

	first := ParseHTTPX(strings.NewReader(input))
	second := ParseHTTPX(strings.NewReader(input))
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("parse not deterministic (-first +second):\n%s", diff)
	}
}

func TestParseWafw00f(t *testing.T) {
	input := `[{"url":"https://a.example.com","detected":true,"firewall":"Cloudflare","manufacturer":"Cloudflare Inc."},
	{"url":"https://b.example.com","detected":true,"firewall":"None","manufacturer":"None"},
	{"url":"","detected":false}]`

	got, err := ParseWafw00f(strings.NewReader(input))
	if err != nil {
		t.Fatalf("ParseWafw00f: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 records, got %d", len(got))
	}
	if !got[0].Protected() {
		t.Error("Cloudflare detection should be protected")
	}
	if got[1].Protected() {
		t.Error(`firewall "None" should not be protected`)
	}
}

func TestParseWafw00fMalformed(t *testing.T) {
	if _, err := ParseWafw00f(strings.NewReader("{not json")); err == nil {
		t.Fatal("expected error for malformed document")
	}
}

func TestSeverityTable(t *testing.T) {
	cases := []struct {
		status int
		url    string
		want   Severity
	}{
		{200, "https://a.example.com/index.html", SeverityHigh},
		{403, "https://a.example.com/admin/", SeverityMedium},
		{500, "https://a.example.com/x", SeverityLow},
		{301, "https://a.example.com/x", SeverityLow},
		// Upgrades por archivo sensible: medium→high, low→medium, high queda high.
		{200, "https://a.example.com/.env", SeverityHigh},
		{403, "https://a.example.com/db.sql", SeverityHigh},
		{500, "https://a.example.com/.git/config", SeverityMedium},
		{500, "https://a.example.com/backup/", SeverityMedium},
		{301, "https://a.example.com/database.yml", SeverityMedium},
		// Upgrades por archivo comprimido: solo low→medium.
		{500, "https://a.example.com/site.zip", SeverityMedium},
		{403, "https://a.example.com/site.tar.gz", SeverityMedium},
		{301, "https://a.example.com/old.bak", SeverityMedium},
		{200, "https://a.example.com/site.7z", SeverityHigh},
	}
	for _, tc := range cases {
		if got := SeverityFor(tc.status, tc.url); got != tc.want {
			t.Errorf("SeverityFor(%d, %q) = %s, want %s", tc.status, tc.url, got, tc.want)
		}
	}
}

func TestParseLeakStdout(t *testing.T) {
	input := strings.Join([]string{
		"[200] 42 0.1s text/plain https://a.example.com/.env",
		"[404] 120 0.2s text/html https://a.example.com/missing",
		"[403] 99 0.3s text/html https://a.example.com/admin",
		"garbage line",
		"",
	}, "\n")

	got := ParseLeakStdout(strings.NewReader(input))
	if len(got) != 2 {
		t.Fatalf("expected 2 records, got %d", len(got))
	}
	first := got[0]
	if first.Severity != SeverityHigh {
		t.Errorf("severity = %s, want high", first.Severity)
	}
	if first.BaseURL != "https://a.example.com" {
		t.Errorf("base url = %q", first.BaseURL)
	}
	if first.FileSize != 42 || first.HTTPStatus != 200 || first.FileType != "text/plain" {
		t.Errorf("unexpected record: %+v", first)
	}
	for _, rec := range got {
		if rec.HTTPStatus == 404 {
			t.Error("404 must never survive parsing")
		}
	}
}

func TestParseLeakCSVDirMergePreference(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) {
		t.Helper()
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	write("200.csv", "Code,Length,Time,Type,URL\n200,42,0.1,text/plain,https://a.example.com/.env\n200,55,0.2,text/html,https://a.example.com/config.php\n")
	write("403.csv", "Code,Length,Time,Type,URL\n403,10,0.1,text/html,https://a.example.com/admin\nnot,a,valid,row\n")
	write("404.csv", "Code,Length,Time,Type,URL\n404,0,0.1,text/html,https://a.example.com/nope\n")

	// La URL .env ya fue vista en stdout: el CSV no debe duplicarla.
	seen := map[string]struct{}{"https://a.example.com/.env": {}}
	got := ParseLeakCSVDir(dir, seen)

	urls := make(map[string]LeakRecord)
	for _, rec := range got {
		urls[rec.FileURL] = rec
	}
	if _, ok := urls["https://a.example.com/.env"]; ok {
		t.Error("stdout-seeded URL should not be re-emitted from CSV")
	}
	if _, ok := urls["https://a.example.com/nope"]; ok {
		t.Error("404.csv must be ignored entirely")
	}
	if rec, ok := urls["https://a.example.com/config.php"]; !ok {
		t.Error("missing config.php record")
	} else if rec.Severity != SeverityHigh {
		t.Errorf("config.php severity = %s", rec.Severity)
	}
	if rec, ok := urls["https://a.example.com/admin"]; !ok {
		t.Error("missing admin record")
	} else if rec.Severity != SeverityMedium {
		t.Errorf("admin severity = %s", rec.Severity)
	}
}
