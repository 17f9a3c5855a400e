// Command docgen builds docs/api.adoc from the @Title, @Route, @Description
// and @Response comments on the handlers in internal/api.
package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/spf13/pflag"
)

type Endpoint struct {
	Title       string
	Route       string
	Description string
	Response    string
}

// Method returns the HTTP method of the route.
func (e Endpoint) Method() string {
	method, _, _ := strings.Cut(e.Route, " ")
	return method
}

// Path returns the route without its method and query.
func (e Endpoint) Path() string {
	_, path, _ := strings.Cut(e.Route, " ")
	path, _, _ = strings.Cut(path, "?")
	return path
}

// Params returns the query parameters the route documents.
func (e Endpoint) Params() string {
	_, query, _ := strings.Cut(e.Route, "?")
	return query
}

var (
	reTitle = regexp.MustCompile(`// @Title: (.*)`)
	reRoute = regexp.MustCompile(`// @Route: (.*)`)
	reDesc  = regexp.MustCompile(`// @Description: (.*)`)
	reResp  = regexp.MustCompile(`// @Response: (.*)`)
)

func main() {
	apiDir := pflag.String("api", "internal/api", "Directory holding the annotated handlers")
	out := pflag.String("out", "docs/api.adoc", "AsciiDoc file to write")
	pflag.Parse()

	endpoints, err := ParseDir(*apiDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	f, err := os.Create(*out)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer f.Close()

	if err := Render(f, endpoints); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("Generated %s (%d endpoints)\n", *out, len(endpoints))
}

// ParseDir collects the annotated endpoints from the non-test Go files in
// dir, sorted by path then method.
func ParseDir(dir string) ([]Endpoint, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var endpoints []Endpoint
	for _, file := range files {
		name := file.Name()
		if !strings.HasSuffix(name, ".go") || strings.HasSuffix(name, "_test.go") {
			continue
		}
		f, err := os.Open(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		found, err := Parse(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		endpoints = append(endpoints, found...)
	}

	sort.SliceStable(endpoints, func(i, j int) bool {
		if endpoints[i].Path() != endpoints[j].Path() {
			return endpoints[i].Path() < endpoints[j].Path()
		}
		return endpoints[i].Method() < endpoints[j].Method()
	})
	return endpoints, nil
}

// Parse reads annotation blocks from r. A block ends at its @Response line
// and is kept when it has both a title and a route.
func Parse(r io.Reader) ([]Endpoint, error) {
	var endpoints []Endpoint
	var current Endpoint

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()

		if match := reTitle.FindStringSubmatch(line); len(match) > 1 {
			current.Title = strings.TrimSpace(match[1])
		}
		if match := reRoute.FindStringSubmatch(line); len(match) > 1 {
			current.Route = strings.TrimSpace(match[1])
		}
		if match := reDesc.FindStringSubmatch(line); len(match) > 1 {
			current.Description = strings.TrimSpace(match[1])
		}
		if match := reResp.FindStringSubmatch(line); len(match) > 1 {
			current.Response = strings.TrimSpace(match[1])
			if current.Title != "" && current.Route != "" {
				endpoints = append(endpoints, current)
			}
			current = Endpoint{}
		}
	}
	return endpoints, scanner.Err()
}

// Render writes endpoints as an AsciiDoc reference page.
func Render(w io.Writer, endpoints []Endpoint) error {
	var b strings.Builder
	b.WriteString("= API Reference\n\n")
	b.WriteString("Generated from the handler comments in `internal/api` by `go run ./cmd/docgen`.\n\n")

	b.WriteString("[cols=\"1,3,4\",options=\"header\"]\n|===\n|Method |Path |Summary\n")
	for _, ep := range endpoints {
		fmt.Fprintf(&b, "|%s |`%s` |%s\n", ep.Method(), ep.Path(), ep.Title)
	}
	b.WriteString("|===\n")

	for _, ep := range endpoints {
		fmt.Fprintf(&b, "\n== %s\n\n", ep.Title)
		fmt.Fprintf(&b, "`%s`\n\n", ep.Route)
		if ep.Description != "" {
			fmt.Fprintf(&b, "%s\n\n", ep.Description)
		}
		if params := ep.Params(); params != "" {
			fmt.Fprintf(&b, "Query:: `%s`\n", params)
		}
		if ep.Response != "" {
			fmt.Fprintf(&b, "Response:: %s\n", ep.Response)
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}
