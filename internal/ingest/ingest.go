// Package ingest loads math problem datasets into the local vector index.
package ingest

import (
	"bufio"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Kocoro-lab/mathagent/internal/metrics"
	"github.com/Kocoro-lab/mathagent/internal/models"
	"github.com/Kocoro-lab/mathagent/internal/util"
	"github.com/Kocoro-lab/mathagent/internal/vectordb"
)

const (
	DefaultBatchSize = 64
	maxLineBytes     = 4 << 20
)

// Embedder embeds documents in batches.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string, isQuery bool) ([][]float32, error)
}

// Index is the write side of the vector store.
type Index interface {
	EnsureCollection(ctx context.Context, size int) error
	Upsert(ctx context.Context, points []vectordb.Point) (*vectordb.UpsertResponse, error)
}

// Options controls one ingestion run.
type Options struct {
	Dir        string
	BatchSize  int
	MaxRecords int // 0 means no limit
	VectorSize int
	Workers    int
}

// Stats summarizes a run.
type Stats struct {
	Files     int   `json:"files"`
	Processed int64 `json:"processed"`
	Skipped   int64 `json:"skipped"`
	Corrupt   int64 `json:"corrupt"`
	Upserted  int64 `json:"upserted"`
	Failed    int64 `json:"failed"`
}

// Record is one dataset line.
type Record struct {
	Problem    string `json:"problem"`
	Solution   string `json:"solution"`
	Topic      string `json:"topic"`
	Difficulty string `json:"difficulty"`
	Subject    string `json:"subject"`
	Split      string `json:"source_split"`
}

// Payload is what gets stored with the point.
func (r Record) Payload() models.ProblemPayload {
	return models.ProblemPayload{
		Problem:    r.Problem,
		Solution:   r.Solution,
		Topic:      r.Topic,
		Difficulty: r.Difficulty,
		Subject:    r.Subject,
		Split:      r.Split,
	}
}

// PointID derives a stable id from the problem and solution: the low 60 bits
// of md5("problem|||solution"). ok is false for records with neither.
func PointID(problem, solution string) (id uint64, ok bool) {
	raw := strings.TrimSpace(problem) + "|||" + strings.TrimSpace(solution)
	if strings.TrimSpace(raw) == "|||" {
		return 0, false
	}
	sum := md5.Sum([]byte(raw))
	digest := hex.EncodeToString(sum[:])
	id, err := strconv.ParseUint(digest[len(digest)-15:], 16, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

type batch struct {
	ids     []uint64
	texts   []string
	records []Record
}

// Ingester streams JSONL files into the index.
type Ingester struct {
	embedder Embedder
	index    Index
	logger   *zap.Logger
}

func New(embedder Embedder, index Index, logger *zap.Logger) *Ingester {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ingester{embedder: embedder, index: index, logger: logger}
}

// Run ingests every *.jsonl file under opts.Dir. A failed batch is logged
// and counted; only setup errors and cancellation abort the run.
func (in *Ingester) Run(ctx context.Context, opts Options) (Stats, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	files, err := filepath.Glob(filepath.Join(opts.Dir, "*.jsonl"))
	if err != nil {
		return Stats{}, err
	}
	if len(files) == 0 {
		return Stats{}, fmt.Errorf("no .jsonl files in %s", opts.Dir)
	}
	sort.Strings(files)
	if err := in.index.EnsureCollection(ctx, opts.VectorSize); err != nil {
		return Stats{}, fmt.Errorf("ensure collection: %w", err)
	}

	var (
		stats    = Stats{Files: len(files)}
		upserted atomic.Int64
		failed   atomic.Int64
	)
	batches := make(chan batch, opts.Workers)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(batches)
		return in.read(gctx, files, opts, &stats, batches)
	})
	for i := 0; i < opts.Workers; i++ {
		g.Go(func() error {
			for b := range batches {
				if err := in.flush(gctx, b); err != nil {
					if gctx.Err() != nil {
						return gctx.Err()
					}
					in.logger.Warn("Batch failed", zap.Int("size", len(b.ids)), zap.Error(err))
					failed.Add(int64(len(b.ids)))
					metrics.IngestedRecords.WithLabelValues("failed").Add(float64(len(b.ids)))
					continue
				}
				total := upserted.Add(int64(len(b.ids)))
				metrics.IngestedRecords.WithLabelValues("upserted").Add(float64(len(b.ids)))
				in.logger.Info("Upserted batch", zap.Int("size", len(b.ids)), zap.Int64("total", total))
			}
			return nil
		})
	}
	err = g.Wait()
	stats.Upserted = upserted.Load()
	stats.Failed = failed.Load()
	in.logger.Info("Ingestion finished",
		zap.Int("files", stats.Files),
		zap.Int64("processed", stats.Processed),
		zap.Int64("upserted", stats.Upserted),
		zap.Int64("skipped", stats.Skipped),
		zap.Int64("corrupt", stats.Corrupt),
		zap.Int64("failed", stats.Failed),
	)
	return stats, err
}

func (in *Ingester) read(ctx context.Context, files []string, opts Options, stats *Stats, out chan<- batch) error {
	cur := batch{}
	send := func() error {
		if len(cur.ids) == 0 {
			return nil
		}
		select {
		case out <- cur:
		case <-ctx.Done():
			return ctx.Err()
		}
		cur = batch{}
		return nil
	}

	for _, path := range files {
		in.logger.Info("Loading file", zap.String("path", path))
		done, err := in.readFile(ctx, path, opts, stats, &cur, send)
		if err != nil {
			return err
		}
		if done {
			break
		}
	}
	return send()
}

func (in *Ingester) readFile(ctx context.Context, path string, opts Options, stats *Stats, cur *batch, send func() error) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		stats.Processed++
		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			stats.Corrupt++
			metrics.IngestedRecords.WithLabelValues("corrupt").Inc()
			in.logger.Warn("Skipping corrupt line", zap.String("path", path), zap.String("line", util.Truncate(line, 80)))
			continue
		}
		text := strings.TrimSpace(rec.Problem)
		id, ok := PointID(rec.Problem, rec.Solution)
		if text == "" || !ok {
			stats.Skipped++
			metrics.IngestedRecords.WithLabelValues("skipped").Inc()
			continue
		}
		cur.ids = append(cur.ids, id)
		cur.texts = append(cur.texts, text)
		cur.records = append(cur.records, rec)
		if len(cur.ids) >= opts.BatchSize {
			if err := send(); err != nil {
				return true, err
			}
		}
		if stats.Processed%1000 == 0 {
			in.logger.Info("Progress", zap.Int64("processed", stats.Processed))
		}
		if opts.MaxRecords > 0 && stats.Processed >= int64(opts.MaxRecords) {
			in.logger.Info("Reached max records", zap.Int("max_records", opts.MaxRecords))
			return true, nil
		}
	}
	return false, scanner.Err()
}

func (in *Ingester) flush(ctx context.Context, b batch) error {
	vecs, err := in.embedder.EmbedBatch(ctx, b.texts, false)
	if err != nil {
		return fmt.Errorf("embed: %w", err)
	}
	if len(vecs) != len(b.ids) {
		return fmt.Errorf("embed: got %d vectors for %d texts", len(vecs), len(b.ids))
	}
	points := make([]vectordb.Point, len(b.ids))
	for i := range b.ids {
		points[i] = vectordb.Point{ID: b.ids[i], Vector: vecs[i], Payload: b.records[i].Payload()}
	}
	_, err = in.index.Upsert(ctx, points)
	return err
}
