// Package extract turns documents into ordered text chunks: one chunk per PDF
// page or presentation slide.
package extract

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported file type")
	ErrFileNotFound      = errors.New("file not found")
)

// SupportedExtensions lists what uploads may carry. Legacy .ppt is accepted at
// the door but cannot be extracted.
var SupportedExtensions = []string{".pdf", ".ppt", ".pptx"}

// Supported reports whether name has an accepted document extension.
func Supported(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range SupportedExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

// Extractor dispatches on file extension.
type Extractor struct {
	// Workers bounds ExtractAll concurrency; zero means NumCPU capped at 8.
	Workers int
}

func New() *Extractor {
	return &Extractor{}
}

// Extract returns the non-blank text units of the document at path in order.
func (e *Extractor) Extract(path string) ([]string, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return nil, err
	}

	var (
		units []string
		err   error
	)
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".pdf":
		units, err = extractPDF(path)
	case ".pptx":
		units, err = extractPPTX(path)
	case ".ppt":
		return nil, fmt.Errorf("%w: %s (legacy binary PowerPoint, convert to .pptx)", ErrUnsupportedFormat, ext)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
	if err != nil {
		return nil, fmt.Errorf("extract %s: %w", path, err)
	}
	return units, nil
}

// ExtractAll extracts every path with a bounded worker pool and returns the
// chunk lists in the order of paths. The first failure aborts the rest.
func (e *Extractor) ExtractAll(ctx context.Context, paths []string) ([][]string, error) {
	numWorkers := e.Workers
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
		if numWorkers > 8 {
			numWorkers = 8
		}
	}
	if numWorkers > len(paths) {
		numWorkers = len(paths)
	}

	type workItem struct {
		slot int
		path string
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([][]string, len(paths))
	workChan := make(chan workItem, numWorkers*2)
	errorChan := make(chan error, 1)

	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range workChan {
				units, err := e.Extract(item.path)
				if err != nil {
					select {
					case errorChan <- err:
						cancel()
					default:
						log.Debug().Err(err).Str("path", item.path).Msg("extraction error dropped")
					}
					continue
				}
				log.Debug().Str("path", item.path).Int("chunks", len(units)).Msg("extracted")
				results[item.slot] = units
			}
		}()
	}

	var sendErr error
send:
	for i, p := range paths {
		select {
		case workChan <- workItem{slot: i, path: p}:
		case <-ctx.Done():
			sendErr = ctx.Err()
			break send
		}
	}
	close(workChan)
	wg.Wait()

	select {
	case err := <-errorChan:
		return nil, err
	default:
	}
	if sendErr != nil {
		return nil, sendErr
	}
	return results, nil
}

// keep drops whitespace-only units.
func keep(units []string) []string {
	out := units[:0]
	for _, u := range units {
		if strings.TrimSpace(u) != "" {
			out = append(out, u)
		}
	}
	return out
}
