package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/petervdpas/reliefmesh/internal/util"
)

// Camp is the part of a relief camp record needed to name its channel.
type Camp struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Purpose     string `json:"purpose,omitempty"`
	Description string `json:"description,omitempty"`
}

// Summary is the one-line channel description for the camp.
func (c Camp) Summary() string {
	if c.Purpose != "" {
		return c.Purpose
	}
	return c.Description
}

// CampSource provides the current camp list.
type CampSource interface {
	Camps(ctx context.Context) ([]Camp, error)
}

// StaticCamps is a fixed camp list.
type StaticCamps []Camp

func (s StaticCamps) Camps(context.Context) ([]Camp, error) { return s, nil }

// FileCamps reads camps from a JSON array on disk on every call, so edits
// show up without a restart.
type FileCamps struct {
	Path string
}

func (f FileCamps) Camps(context.Context) ([]Camp, error) {
	var out []Camp
	if err := util.ReadJSONFile(f.Path, &out); err != nil {
		return nil, fmt.Errorf("read camps %s: %w", f.Path, err)
	}
	return out, nil
}

// HTTPCamps fetches camps from an HTTP endpoint returning a JSON array, or
// an object with a "camps" array.
type HTTPCamps struct {
	URL  string
	HTTP *http.Client
}

func NewHTTPCamps(url string) *HTTPCamps {
	return &HTTPCamps{
		URL:  strings.TrimSpace(url),
		HTTP: &http.Client{Timeout: util.DefaultFetchTimeout},
	}
}

func (h *HTTPCamps) Camps(ctx context.Context) ([]Camp, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := h.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("GET %s: status %s", h.URL, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	body = util.StripBOM(body)

	var list []Camp
	if err := json.Unmarshal(body, &list); err == nil {
		return list, nil
	}
	var wrapped struct {
		Camps []Camp `json:"camps"`
	}
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return nil, fmt.Errorf("decode camps: %w", err)
	}
	return wrapped.Camps, nil
}

// MultiCamps merges several sources; later sources cannot override an id
// already returned by an earlier one. It fails only if every source fails.
type MultiCamps []CampSource

func (m MultiCamps) Camps(ctx context.Context) ([]Camp, error) {
	var (
		out     []Camp
		seen    = map[string]bool{}
		lastErr error
		okCount int
	)
	for _, src := range m {
		camps, err := src.Camps(ctx)
		if err != nil {
			lastErr = err
			continue
		}
		okCount++
		for _, c := range camps {
			if !seen[c.ID] {
				seen[c.ID] = true
				out = append(out, c)
			}
		}
	}
	if okCount == 0 && lastErr != nil {
		return nil, lastErr
	}
	return out, nil
}
