package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const annotated = `package api

// @Title: Get Block
// @Route: GET /api/block?row=N
// @Description: Returns one committed block
// @Response: Block object
func (s *Service) HandleBlock() {}

// @Title: Incomplete
// @Response: dropped, no route
func (s *Service) helper() {}

// @Title: Post Queue Frame
// @Route: POST /api/queue
// @Response: text
func (s *Service) HandleQueue() {}
`

func TestParse(t *testing.T) {
	endpoints, err := Parse(strings.NewReader(annotated))
	require.NoError(t, err)
	require.Len(t, endpoints, 2)

	block := endpoints[0]
	require.Equal(t, "Get Block", block.Title)
	require.Equal(t, "GET", block.Method())
	require.Equal(t, "/api/block", block.Path())
	require.Equal(t, "row=N", block.Params())
	require.Equal(t, "Block object", block.Response)

	require.Equal(t, "POST", endpoints[1].Method())
	require.Empty(t, endpoints[1].Description)
}

func TestParseDirCoversAPIPackage(t *testing.T) {
	endpoints, err := ParseDir("../../internal/api")
	require.NoError(t, err)

	routes := make(map[string]bool)
	for _, ep := range endpoints {
		routes[ep.Route] = true
	}
	require.True(t, routes["POST /api/queue"])
	require.True(t, routes["GET /api/block?row=N"])
	require.True(t, routes["GET /api/status"])

	for i := 1; i < len(endpoints); i++ {
		require.LessOrEqual(t, endpoints[i-1].Path(), endpoints[i].Path())
	}
}

func TestRender(t *testing.T) {
	endpoints, err := Parse(strings.NewReader(annotated))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, Render(&buf, endpoints))
	out := buf.String()

	require.True(t, strings.HasPrefix(out, "= API Reference\n"))
	require.Contains(t, out, "|GET |`/api/block` |Get Block")
	require.Contains(t, out, "== Post Queue Frame")
	require.Contains(t, out, "Query:: `row=N`")
}
