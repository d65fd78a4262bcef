package trainer

import (
	"context"
	"encoding/gob"
	"fmt"
	"image"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rpggio/imgclass/internal/domain/project"
	"github.com/rpggio/imgclass/internal/imaging"
)

// ArtifactFile is the name of the artifact Linear writes into its output
// directory.
const ArtifactFile = "model.gob"

const modelVersion = 1

// model is the gob-encoded artifact of a Linear run.
type model struct {
	Version   int
	Classes   []string
	ImageSize int
	Weights   [][]float32
	Bias      []float32
}

type sample struct {
	x     []float32
	label int
}

type cachedModel struct {
	modTime time.Time
	size    int64
	m       *model
}

// Linear is a softmax regression classifier over downscaled RGB pixels,
// fitted with minibatch gradient descent.
type Linear struct {
	logger *slog.Logger
	seed   uint64

	mu    sync.Mutex
	cache map[string]cachedModel
}

// NewLinear creates a Linear trainer. Runs with the same seed and data are
// reproducible.
func NewLinear(seed uint64, logger *slog.Logger) *Linear {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Linear{logger: logger, seed: seed, cache: make(map[string]cachedModel)}
}

// Train implements Trainer.
func (l *Linear) Train(ctx context.Context, datasetRoot, outDir string, params Params, progress ProgressFunc) (*Result, error) {
	if params.Epochs <= 0 || params.BatchSize <= 0 || params.LearningRate <= 0 || params.ImageSize <= 0 {
		return nil, fmt.Errorf("invalid params %+v", params)
	}

	classes, samples, err := l.load(ctx, datasetRoot, params.ImageSize)
	if err != nil {
		return nil, err
	}

	dim := 3 * params.ImageSize * params.ImageSize
	m := &model{
		Version:   modelVersion,
		Classes:   classes,
		ImageSize: params.ImageSize,
		Weights:   make([][]float32, len(classes)),
		Bias:      make([]float32, len(classes)),
	}
	for k := range m.Weights {
		m.Weights[k] = make([]float32, dim)
	}

	rng := rand.New(rand.NewPCG(l.seed, uint64(len(samples))))
	order := make([]int, len(samples))
	for i := range order {
		order[i] = i
	}

	history := make([]project.EpochStats, 0, params.Epochs)
	gradW := make([][]float64, len(classes))
	for k := range gradW {
		gradW[k] = make([]float64, dim)
	}
	gradB := make([]float64, len(classes))
	probs := make([]float64, len(classes))

	for epoch := 1; epoch <= params.Epochs; epoch++ {
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

		var lossSum float64
		correct := 0
		for start := 0; start < len(order); start += params.BatchSize {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			end := min(start+params.BatchSize, len(order))

			for k := range gradW {
				clear(gradW[k])
			}
			clear(gradB)
			for _, idx := range order[start:end] {
				s := samples[idx]
				m.forward(s.x, probs)
				if argmax(probs) == s.label {
					correct++
				}
				lossSum -= math.Log(math.Max(probs[s.label], 1e-12))
				for k := range probs {
					g := probs[k]
					if k == s.label {
						g--
					}
					gradB[k] += g
					row := gradW[k]
					for d, v := range s.x {
						row[d] += g * float64(v)
					}
				}
			}

			scale := params.LearningRate / float64(end-start)
			for k := range m.Weights {
				row := m.Weights[k]
				for d := range row {
					row[d] -= float32(scale * gradW[k][d])
				}
				m.Bias[k] -= float32(scale * gradB[k])
			}
		}

		stats := project.EpochStats{
			Epoch:    epoch,
			Loss:     lossSum / float64(len(samples)),
			Accuracy: 100 * float64(correct) / float64(len(samples)),
		}
		history = append(history, stats)
		l.logger.Debug("epoch done", "epoch", epoch, "loss", stats.Loss, "accuracy", stats.Accuracy)
		if progress != nil {
			progress(stats)
		}
	}

	artifact := filepath.Join(outDir, ArtifactFile)
	if err := saveModel(artifact, m); err != nil {
		return nil, err
	}
	return &Result{Classes: classes, History: history, ArtifactPath: artifact}, nil
}

// Predict implements Trainer.
func (l *Linear) Predict(ctx context.Context, img image.Image, artifactPath string, classLabels []string) (*Prediction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m, err := l.loadCached(artifactPath)
	if err != nil {
		return nil, err
	}
	if len(m.Classes) != len(classLabels) {
		return nil, fmt.Errorf("%w: artifact has %d classes, project has %d", ErrShapeMismatch, len(m.Classes), len(classLabels))
	}

	probs := make([]float64, len(m.Classes))
	m.forward(imaging.Features(img, m.ImageSize), probs)
	return &Prediction{Label: classLabels[argmax(probs)], Confidences: probs}, nil
}

// loadCached returns the decoded artifact at path, reusing the last decode while
// the file is unchanged.
func (l *Linear) loadCached(path string) (*model, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArtifact, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.cache[path]; ok && c.modTime.Equal(info.ModTime()) && c.size == info.Size() {
		return c.m, nil
	}
	m, err := loadModel(path)
	if err != nil {
		return nil, err
	}
	l.cache[path] = cachedModel{modTime: info.ModTime(), size: info.Size(), m: m}
	return m, nil
}

// load reads every recognized image below the class directories of root.
// Images that fail to decode are skipped.
func (l *Linear) load(ctx context.Context, root string, size int) ([]string, []sample, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, nil, fmt.Errorf("read dataset: %w", err)
	}
	var classes []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			classes = append(classes, e.Name())
		}
	}
	sort.Strings(classes)
	if len(classes) == 0 {
		return nil, nil, fmt.Errorf("%w: no class directories in %s", ErrNoData, root)
	}

	var samples []sample
	for label, class := range classes {
		files, err := os.ReadDir(filepath.Join(root, class))
		if err != nil {
			return nil, nil, fmt.Errorf("read class %s: %w", class, err)
		}
		n := 0
		for _, f := range files {
			if err := ctx.Err(); err != nil {
				return nil, nil, err
			}
			if !f.Type().IsRegular() || strings.HasPrefix(f.Name(), ".") || !imaging.IsImage(f.Name()) {
				continue
			}
			img, err := imaging.DecodeFile(filepath.Join(root, class, f.Name()))
			if err != nil {
				l.logger.Warn("skipping unreadable image", "class", class, "file", f.Name(), "error", err)
				continue
			}
			samples = append(samples, sample{x: imaging.Features(img, size), label: label})
			n++
		}
		if n == 0 {
			return nil, nil, fmt.Errorf("%w: class %s has no readable images", ErrNoData, class)
		}
	}
	return classes, samples, nil
}

// forward writes the softmax of the class scores for x into probs.
func (m *model) forward(x []float32, probs []float64) {
	maxScore := math.Inf(-1)
	for k, row := range m.Weights {
		s := float64(m.Bias[k])
		for d, v := range x {
			s += float64(row[d]) * float64(v)
		}
		probs[k] = s
		maxScore = math.Max(maxScore, s)
	}
	var sum float64
	for k := range probs {
		probs[k] = math.Exp(probs[k] - maxScore)
		sum += probs[k]
	}
	for k := range probs {
		probs[k] /= sum
	}
}

// argmax returns the index of the largest value, the earliest on ties.
func argmax(v []float64) int {
	best := 0
	for i := 1; i < len(v); i++ {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}

func saveModel(path string, m *model) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".model-*")
	if err != nil {
		return fmt.Errorf("create artifact: %w", err)
	}
	defer os.Remove(tmp.Name())
	if err := gob.NewEncoder(tmp).Encode(m); err != nil {
		tmp.Close()
		return fmt.Errorf("encode artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close artifact: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

func loadModel(path string) (*model, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArtifact, err)
	}
	defer f.Close()

	var m model
	if err := gob.NewDecoder(f).Decode(&m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArtifact, err)
	}
	if m.Version != modelVersion || len(m.Weights) != len(m.Classes) || len(m.Bias) != len(m.Classes) || m.ImageSize <= 0 {
		return nil, fmt.Errorf("%w: inconsistent model in %s", ErrArtifact, path)
	}
	dim := 3 * m.ImageSize * m.ImageSize
	for _, row := range m.Weights {
		if len(row) != dim {
			return nil, fmt.Errorf("%w: inconsistent model in %s", ErrArtifact, path)
		}
	}
	return &m, nil
}
