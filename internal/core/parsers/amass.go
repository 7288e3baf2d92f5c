package parsers

import (
	"bufio"
	"io"
	"regexp"
	"strings"

	"recon-engine/internal/platform/logx"
)

// fqdnGraphPattern reconoce el formato grafo de amass:
// "sub.example.com (FQDN) --> a_record --> 1.2.3.4"
var fqdnGraphPattern = regexp.MustCompile(`^([a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?\.)+[a-zA-Z]{2,}\s+\(FQDN\)`)

// ParseAmass procesa salida de amass en formato plano o grafo. Solo conserva
// hostnames que terminan en el dominio apex del job.
func ParseAmass(r io.Reader, apex string) []Hostname {
	apex = strings.ToLower(strings.TrimSpace(apex))

	var out []Hostname
	seen := make(map[string]struct{})
	keep := func(name string) {
		if name == "" || !strings.HasSuffix(name, apex) {
			return
		}
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		out = append(out, Hostname{Name: name, Source: "amass"})
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}

		if strings.Contains(line, "-->") {
			// Formato grafo: el primer token marcado (FQDN) es el hostname.
			if !fqdnGraphPattern.MatchString(line) {
				continue
			}
			name := strings.ToLower(strings.TrimSpace(strings.SplitN(line, "(FQDN)", 2)[0]))
			keep(name)
			continue
		}

		// Formato plano: primer token con punto.
		if strings.HasPrefix(line, "[") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) == 0 || !strings.Contains(parts[0], ".") {
			continue
		}
		keep(strings.ToLower(parts[0]))
	}
	if err := sc.Err(); err != nil {
		logx.Warn("scan truncado", logx.Fields{"source": "amass", "error": err.Error()})
	}
	return out
}
