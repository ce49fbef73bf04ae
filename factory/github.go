package factory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Default locations of the OpenPrescribing measure definitions.
const (
	DefaultListingURL = "https://github.com/ebmdatalab/openprescribing/tree/main/openprescribing/measures/definitions"
	DefaultRawBaseURL = "https://raw.githubusercontent.com/ebmdatalab/openprescribing/main/openprescribing/measures/definitions/"
)

// GitHubSource loads definitions by scraping a repository directory page
// for .json links and fetching each file from the raw content host.
type GitHubSource struct {
	ListingURL string
	RawBaseURL string
	Client     *http.Client
	Factory    *MeasureFactory
}

// NewGitHubSource returns a source for the default locations.
func NewGitHubSource(f *MeasureFactory) *GitHubSource {
	return &GitHubSource{
		ListingURL: DefaultListingURL,
		RawBaseURL: DefaultRawBaseURL,
		Client:     &http.Client{Timeout: 30 * time.Second},
		Factory:    f,
	}
}

// Load lists the definition files and parses each one. A file that cannot
// be fetched is rejected; only a listing failure is returned as an error.
func (g *GitHubSource) Load(ctx context.Context) (LoadResult, error) {
	files, err := g.ListFiles(ctx)
	if err != nil {
		return LoadResult{}, err
	}

	f := g.Factory
	if f == nil {
		f = NewMeasureFactory(nil)
	}

	var res LoadResult
	for _, name := range files {
		data, err := g.get(ctx, strings.TrimSuffix(g.RawBaseURL, "/")+"/"+name)
		if err != nil {
			f.logger.Warn("failed to fetch measure definition", zap.String("file", name), zap.Error(err))
			res.Rejected = append(res.Rejected, fmt.Errorf("%s: %w", name, err))
			continue
		}
		f.add(&res, name, data)
	}
	return res, nil
}

// ListFiles returns the distinct .json file names linked from the listing page.
func (g *GitHubSource) ListFiles(ctx context.Context) ([]string, error) {
	body, err := g.get(ctx, g.ListingURL)
	if err != nil {
		return nil, fmt.Errorf("failed to load listing %s: %w", g.ListingURL, err)
	}
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse listing: %w", err)
	}

	seen := make(map[string]struct{})
	var files []string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == atom.A {
			for _, a := range n.Attr {
				if a.Key != "href" || !strings.HasSuffix(a.Val, ".json") {
					continue
				}
				name := path.Base(a.Val)
				if _, ok := seen[name]; !ok {
					seen[name] = struct{}{}
					files = append(files, name)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return files, nil
}

func (g *GitHubSource) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	client := g.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
