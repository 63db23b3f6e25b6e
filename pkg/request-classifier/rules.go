package classifier

import (
	"net/http"
	"path"
	"strings"
)

// Label is the strategy class a request is classified into.
type Label string

const (
	LabelDocument Label = "document"
	LabelFont     Label = "font"
	LabelAPI      Label = "api"
	LabelStatic   Label = "static"
	LabelHTML     Label = "html"
	LabelDefault  Label = "default"
)

type Rules []Rule

// Rule matches a request when any of its non-empty criteria match.
// A rule without criteria matches every request.
type Rule struct {
	Label      Label    `yaml:"label"`
	Prefixes   []string `yaml:"prefixes"`
	Extensions []string `yaml:"extensions"`
	Accept     []string `yaml:"accept"`
	FetchDest  []string `yaml:"fetchDest"`
	Navigate   bool     `yaml:"navigate"`

	// Prefixes do not match navigations. Extension and Accept criteria still do.
	PrefixesSkipNavigation bool `yaml:"prefixesSkipNavigation"`
}

// Options tunes the default rule list.
type Options struct {
	// Path prefixes of the document store, e.g. the magazine and library.
	DocumentPrefixes []string
	// Path prefixes of dynamic APIs.
	APIPrefixes []string
}

var (
	DefaultDocumentPrefixes = []string{"/documents/", "/magazine/", "/library/"}
	DefaultAPIPrefixes      = []string{"/api/", "/rest/", "/graphql"}
)

// DefaultRules returns the ordered rule list, most specific first.
func DefaultRules(opts Options) Rules {
	documentPrefixes := opts.DocumentPrefixes
	if len(documentPrefixes) == 0 {
		documentPrefixes = DefaultDocumentPrefixes
	}
	apiPrefixes := opts.APIPrefixes
	if len(apiPrefixes) == 0 {
		apiPrefixes = DefaultAPIPrefixes
	}
	return Rules{
		{
			Label:      LabelDocument,
			Prefixes:   documentPrefixes,
			Extensions: []string{".pdf"},
			Accept:     []string{"application/pdf"},

			// pages browsing the document store are html
			PrefixesSkipNavigation: true,
		},
		{
			Label:      LabelFont,
			Extensions: []string{".woff", ".woff2", ".ttf", ".otf", ".eot"},
			FetchDest:  []string{"font"},
		},
		{
			Label:    LabelAPI,
			Prefixes: apiPrefixes,
		},
		{
			Label: LabelStatic,
			Extensions: []string{
				".css", ".js", ".mjs", ".map",
				".png", ".jpg", ".jpeg", ".gif", ".svg", ".webp", ".avif", ".ico",
				".json", ".webmanifest", ".xml", ".txt",
			},
			Prefixes: []string{"/static/", "/assets/", "/images/"},
		},
		{
			Label:    LabelHTML,
			Navigate: true,
		},
	}
}

// Classify returns the label of the first matching rule, or LabelDefault.
// The boolean is false if the request is not intercepted at all,
// which is the case for every method other than GET.
func (r Rules) Classify(req *http.Request) (Label, bool) {
	if req.Method != "" && req.Method != http.MethodGet {
		return "", false
	}
	if rule := r.find(req); rule != nil {
		return rule.Label, true
	}
	return LabelDefault, true
}

func (r Rules) find(req *http.Request) *Rule {
	for i := range r {
		if r[i].matches(req) {
			return &r[i]
		}
	}
	return nil
}

func (rule Rule) matches(req *http.Request) bool {
	if len(rule.Prefixes) == 0 && len(rule.Extensions) == 0 &&
		len(rule.Accept) == 0 && len(rule.FetchDest) == 0 && !rule.Navigate {
		return true
	}
	urlPath := req.URL.Path
	if !rule.PrefixesSkipNavigation || !IsNavigation(req) {
		for _, prefix := range rule.Prefixes {
			if strings.HasPrefix(urlPath, prefix) {
				return true
			}
		}
	}
	if len(rule.Extensions) > 0 {
		ext := strings.ToLower(path.Ext(urlPath))
		for _, e := range rule.Extensions {
			if ext != "" && ext == e {
				return true
			}
		}
	}
	accept := strings.ToLower(req.Header.Get("Accept"))
	for _, mediaType := range rule.Accept {
		if strings.Contains(accept, mediaType) {
			return true
		}
	}
	dest := req.Header.Get("Sec-Fetch-Dest")
	for _, d := range rule.FetchDest {
		if dest == d {
			return true
		}
	}
	if rule.Navigate && IsNavigation(req) {
		return true
	}
	return false
}

// IsNavigation reports whether the request is a full-page navigation.
func IsNavigation(req *http.Request) bool {
	if req.Method != "" && req.Method != http.MethodGet {
		return false
	}
	if mode := req.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return mode == "navigate"
	}
	return strings.Contains(req.Header.Get("Accept"), "text/html")
}
