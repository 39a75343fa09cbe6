// Package symbols maps between broker FIGIs, historic ticker aliases and the
// canonical tickers used in the event log.
package symbols

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// DefaultAliases folds renamed tickers into their current name.
var DefaultAliases = map[string]string{
	"YNDX": "YDEX",
}

// DefaultCurrencies maps the compact instrument codes some API calls return
// to the exchange tickers of metal and currency instruments.
var DefaultCurrencies = map[string]string{
	"PLTRUBTOM": "PLTRUB_TOM",
	"PLDRUBTOM": "PLDRUB_TOM",
	"CNYRUBTOM": "CNYRUB_TOM",
	"GLDRUBTOM": "GLDRUB_TOM",
	"SLVRUBTOM": "SLVRUB_TOM",
}

// DefaultGroups are the sector groups used by the correlation guard.
var DefaultGroups = map[string][]string{
	"oil_gas":         {"LKOH", "ROSN", "GAZP", "NVTK", "SNGS", "SNGSP", "TATN", "TATNP", "SIBN", "RNFT", "BANE", "BANEP"},
	"metals":          {"GMKN", "NLMK", "CHMF", "MAGN", "RUAL", "ALRS", "PLZL", "SELG"},
	"finance":         {"SBER", "VTBR", "MOEX", "AFKS"},
	"telecom":         {"MTSS", "IRAO"},
	"retail":          {"MGNT"},
	"tech":            {"YDEX"},
	"transport":       {"AFLT", "FLOT", "TRNFP"},
	"commodities_etf": {"UGLD", "LNZL", "GLDRUB_TOM", "SLVRUB_TOM", "PLTRUB_TOM", "PLDRUB_TOM"},
	"currency":        {"USD000UTSTOM", "CNYRUB_TOM"},
}

// File is the on-disk layout of the optional symbols file.
type File struct {
	Aliases    map[string]string   `yaml:"aliases"`
	Currencies map[string]string   `yaml:"currencies"`
	Groups     map[string][]string `yaml:"groups"`
	FIGIs      map[string]string   `yaml:"figis"`
}

// Resolver is the single canonicalisation entry point for instrument identity.
type Resolver struct {
	mu         sync.RWMutex
	aliases    map[string]string
	currencies map[string]string
	groups     map[string]string
	toTicker   map[string]string
	toFIGI     map[string]string
}

// NewResolver returns a resolver seeded with the built-in tables.
func NewResolver() *Resolver {
	r := &Resolver{
		aliases:    make(map[string]string),
		currencies: make(map[string]string),
		groups:     make(map[string]string),
		toTicker:   make(map[string]string),
		toFIGI:     make(map[string]string),
	}
	r.apply(File{Aliases: DefaultAliases, Currencies: DefaultCurrencies, Groups: DefaultGroups})
	return r
}

// LoadFile merges a YAML symbols file over the current tables.
func (r *Resolver) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read symbols file: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse symbols file: %w", err)
	}
	r.apply(f)
	return nil
}

func (r *Resolver) apply(f File) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, v := range f.Aliases {
		r.aliases[normalize(k)] = normalize(v)
	}
	for k, v := range f.Currencies {
		r.currencies[normalize(k)] = normalize(v)
	}
	for group, members := range f.Groups {
		for _, m := range members {
			r.groups[normalize(m)] = group
		}
	}
	for figi, ticker := range f.FIGIs {
		r.register(normalize(figi), normalize(ticker))
	}
}

func normalize(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// IsFIGI reports whether s looks like a FIGI rather than a ticker.
func IsFIGI(s string) bool {
	s = normalize(s)
	return strings.HasPrefix(s, "BBG") && len(s) > 10
}

// Canonical returns the log ticker for s. Unknown FIGIs are returned
// normalized; callers that need a ticker check IsFIGI on the result.
func (r *Resolver) Canonical(s string) string {
	s = normalize(s)
	if s == "" {
		return ""
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	if IsFIGI(s) {
		if t, ok := r.toTicker[s]; ok {
			s = t
		} else if c, ok := r.currencies[strings.TrimPrefix(s, "BBG")]; ok {
			return c
		} else {
			return s
		}
	}
	if c, ok := r.currencies[s]; ok {
		s = c
	}
	if a, ok := r.aliases[s]; ok {
		s = a
	}
	return s
}

// Register records a FIGI/ticker pair learned from the broker.
func (r *Resolver) Register(figi, ticker string) {
	figi, ticker = normalize(figi), normalize(ticker)
	if figi == "" || ticker == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.register(figi, ticker)
}

func (r *Resolver) register(figi, ticker string) {
	if a, ok := r.aliases[ticker]; ok {
		ticker = a
	}
	r.toTicker[figi] = ticker
	r.toFIGI[ticker] = figi
}

// TickerFor resolves a FIGI to its canonical ticker.
func (r *Resolver) TickerFor(figi string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.toTicker[normalize(figi)]
	return t, ok
}

// FIGIFor returns the FIGI registered for a ticker or any of its aliases.
func (r *Resolver) FIGIFor(ticker string) (string, bool) {
	c := r.Canonical(ticker)
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.toFIGI[c]
	return f, ok
}

// Group returns the sector group of a symbol, or "" when it has none.
func (r *Resolver) Group(symbol string) string {
	c := r.Canonical(symbol)
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.groups[c]
}

// Groups lists the configured group names.
func (r *Resolver) Groups() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, g := range r.groups {
		seen[g] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for g := range seen {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}
