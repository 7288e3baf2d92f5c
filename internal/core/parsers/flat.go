// Package parsers normaliza la salida de las herramientas externas a un
// esquema común. Todos los parsers son totales: una línea malformada se
// descarta con un warning, nunca aborta el parseo.
package parsers

import (
	"bufio"
	"io"
	"strings"

	"recon-engine/internal/platform/logx"
)

// Hostname es un subdominio normalizado junto a la herramienta que lo produjo.
type Hostname struct {
	Name   string
	Source string
}

// ParseFlat procesa salida plana de enumeradores (subfinder, assetfinder): un
// hostname por línea. Se descartan blancos, comentarios que empiezan por '[' y
// tokens sin punto; todo se pasa a minúsculas.
func ParseFlat(r io.Reader, source string) []Hostname {
	var out []Hostname
	seen := make(map[string]struct{})

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "[") {
			continue
		}
		name := strings.ToLower(line)
		if !strings.Contains(name, ".") {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, Hostname{Name: name, Source: source})
	}
	if err := sc.Err(); err != nil {
		logx.Warn("scan truncado", logx.Fields{"source": source, "error": err.Error()})
	}
	return out
}
