package parsers

import (
	"encoding/json"
	"io"
	"strings"
)

// WafRecord es el veredicto del fingerprinter para una URL.
type WafRecord struct {
	URL          string `json:"url"`
	Detected     bool   `json:"detected"`
	Firewall     string `json:"firewall"`
	Manufacturer string `json:"manufacturer"`
}

// Protected indica si la URL está detrás de un WAF real: detected y un nombre
// de firewall distinto de "None".
func (w WafRecord) Protected() bool {
	return w.Detected && !strings.EqualFold(strings.TrimSpace(w.Firewall), "None") && strings.TrimSpace(w.Firewall) != ""
}

// ParseWafw00f procesa el JSON de wafw00f: un array de objetos con url,
// detected, firewall y manufacturer. Un documento malformado devuelve error;
// la etapa que lo invoca lo trata como no fatal.
func ParseWafw00f(r io.Reader) ([]WafRecord, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	var records []WafRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, err
	}

	out := records[:0]
	for _, rec := range records {
		if strings.TrimSpace(rec.URL) == "" {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}
