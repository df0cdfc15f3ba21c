package cfg

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/linnemanlabs/sentinel/internal/deadline"
	"github.com/linnemanlabs/sentinel/internal/source/rss"
)

// Registry is the deployment-specific data that does not fit in flags:
// which vector collections to search, who the principal is, the VIPs to
// seed and the feeds to poll.
type Registry struct {
	Collections         []string           `yaml:"collections"`
	CollectionPrefix    string             `yaml:"collection_prefix"`
	DocumentsCollection string             `yaml:"documents_collection"`
	Principal           deadline.Principal `yaml:"principal"`
	VIPs                []deadline.VIP     `yaml:"vips"`
	Feeds               []rss.Feed         `yaml:"feeds"`
}

// DefaultDocumentsCollection receives feed articles when the registry
// names none.
const DefaultDocumentsCollection = "documents"

// LoadRegistry reads and validates the registry at path. An empty path
// yields an empty registry.
func LoadRegistry(path string) (*Registry, error) {
	var r Registry
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read registry: %w", err)
		}
		if err := yaml.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("parse registry: %w", err)
		}
	}
	if r.DocumentsCollection == "" {
		r.DocumentsCollection = DefaultDocumentsCollection
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

// Validate checks that every VIP has a name and every feed an absolute
// http(s) URL, and that neither repeats.
func (r *Registry) Validate() error {
	var errs []error

	seenVIP := make(map[string]bool)
	for i, v := range r.VIPs {
		name := strings.ToLower(strings.TrimSpace(v.Name))
		switch {
		case name == "":
			errs = append(errs, fmt.Errorf("vips[%d]: name is required", i))
		case seenVIP[name]:
			errs = append(errs, fmt.Errorf("vips[%d]: duplicate name %q", i, v.Name))
		}
		seenVIP[name] = true
	}

	seenFeed := make(map[string]bool)
	for i, f := range r.Feeds {
		u, err := url.Parse(f.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("feeds[%d]: invalid url %q", i, f.URL))
			continue
		}
		if seenFeed[f.URL] {
			errs = append(errs, fmt.Errorf("feeds[%d]: duplicate url %q", i, f.URL))
		}
		seenFeed[f.URL] = true
	}

	for i, c := range r.Collections {
		if strings.TrimSpace(c) == "" {
			errs = append(errs, fmt.Errorf("collections[%d]: empty name", i))
		}
	}

	return errors.Join(errs...)
}
