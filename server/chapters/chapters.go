// Package chapters reads Podcasting 2.0 chapter files.
package chapters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"
)

// maxChaptersSize caps the chapters document; real files are a few KiB.
const maxChaptersSize = 1 << 20

var ErrNoChapters = errors.New("no chapters")

type Chapter struct {
	Start time.Duration
	Title string
	Image string
	URL   string
}

type List struct {
	Version  string
	Chapters []Chapter
}

type document struct {
	Version  string `json:"version"`
	Chapters []struct {
		StartTime float64 `json:"startTime"`
		Title     string  `json:"title"`
		Img       string  `json:"img"`
		URL       string  `json:"url"`
		TOC       *bool   `json:"toc"`
	} `json:"chapters"`
}

func Fetch(ctx context.Context, client *http.Client, url string) (*List, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json+chapters, application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch chapters: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch chapters: unexpected status %d", resp.StatusCode)
	}

	return Parse(io.LimitReader(resp.Body, maxChaptersSize))
}

// Parse decodes a chapters document. Chapters hidden from the table of
// contents are dropped and the rest are ordered by start time.
func Parse(r io.Reader) (*List, error) {
	var doc document
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode chapters: %w", err)
	}

	list := &List{Version: doc.Version}
	for _, c := range doc.Chapters {
		if c.TOC != nil && !*c.TOC {
			continue
		}
		list.Chapters = append(list.Chapters, Chapter{
			Start: time.Duration(max(c.StartTime, 0) * float64(time.Second)),
			Title: c.Title,
			Image: c.Img,
			URL:   c.URL,
		})
	}
	if len(list.Chapters) == 0 {
		return nil, ErrNoChapters
	}

	sort.SliceStable(list.Chapters, func(i, j int) bool {
		return list.Chapters[i].Start < list.Chapters[j].Start
	})
	return list, nil
}

func (l *List) Len() int {
	if l == nil {
		return 0
	}
	return len(l.Chapters)
}

// At returns the chapter playing at pos.
func (l *List) At(pos time.Duration) (Chapter, int, bool) {
	if l.Len() == 0 || pos < l.Chapters[0].Start {
		return Chapter{}, -1, false
	}
	i := sort.Search(len(l.Chapters), func(i int) bool {
		return l.Chapters[i].Start > pos
	}) - 1
	return l.Chapters[i], i, true
}

func (l *List) Start(i int) (time.Duration, error) {
	if i < 0 || i >= l.Len() {
		return 0, fmt.Errorf("chapter %d out of range [0, %d)", i, l.Len())
	}
	return l.Chapters[i].Start, nil
}
