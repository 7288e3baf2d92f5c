package parsers

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"

	"recon-engine/internal/platform/logx"
)

// ProbeRecord es el snapshot de una respuesta del prober HTTP para un host.
type ProbeRecord struct {
	URL              string   `json:"url"`
	StatusCode       int      `json:"status_code"`
	Title            string   `json:"title"`
	ContentLength    int      `json:"content_length"`
	Webserver        string   `json:"webserver"`
	FinalURL         string   `json:"final_url"`
	ResponseTime     string   `json:"time"`
	CDNName          string   `json:"cdn_name"`
	ContentType      string   `json:"content_type"`
	Host             string   `json:"host"`
	ChainStatusCodes []int    `json:"chain_status_codes"`
	A                []string `json:"a"`
	AAAA             []string `json:"aaaa"`
	Tech             []string `json:"tech"`
}

// liveStatusCodes son los códigos que el prober considera "host vivo".
var liveStatusCodes = map[int]struct{}{
	200: {}, 201: {}, 202: {}, 204: {},
	301: {}, 302: {}, 303: {}, 304: {}, 307: {}, 308: {},
	400: {}, 401: {}, 403: {}, 404: {},
	500: {}, 501: {}, 502: {}, 503: {}, 504: {},
}

// IsLive indica si el status code del registro pertenece al conjunto de vivos.
func (r ProbeRecord) IsLive() bool {
	_, ok := liveStatusCodes[r.StatusCode]
	return ok
}

// Hostname extrae el host del registro: campo host si está presente, si no el
// host de la URL.
func (r ProbeRecord) Hostname() string {
	if r.Host != "" {
		return strings.ToLower(r.Host)
	}
	return strings.ToLower(hostOf(r.URL))
}

// ParseHTTPX procesa la salida JSON line-delimited de httpx. Cada línea es un
// registro autocontenido; el campo url es obligatorio. Las líneas malformadas
// se descartan con warning.
func ParseHTTPX(r io.Reader) []ProbeRecord {
	var out []ProbeRecord

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}

		var rec ProbeRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			logx.Warn("registro httpx malformado, descartado", logx.Fields{"line": truncateLine(line)})
			continue
		}
		if rec.URL == "" {
			logx.Warn("registro httpx sin url, descartado", logx.Fields{"line": truncateLine(line)})
			continue
		}
		rec.Title = strings.TrimSpace(rec.Title)
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		logx.Warn("scan truncado", logx.Fields{"source": "httpx", "error": err.Error()})
	}
	return out
}

func hostOf(rawURL string) string {
	trimmed := rawURL
	if idx := strings.Index(trimmed, "://"); idx >= 0 {
		trimmed = trimmed[idx+3:]
	}
	if idx := strings.IndexAny(trimmed, "/?#"); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	if idx := strings.LastIndex(trimmed, ":"); idx >= 0 && !strings.Contains(trimmed, "]") {
		if idx > 0 && strings.Count(trimmed, ":") == 1 {
			trimmed = trimmed[:idx]
		}
	}
	return trimmed
}

func truncateLine(line string) string {
	if len(line) > 120 {
		return line[:117] + "..."
	}
	return line
}
