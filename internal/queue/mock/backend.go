// Package mock provides a queue backend that executes tasks synchronously at
// submit time and parks result files on disk until collected. It stands in
// for the real compute fabric in tests and local development.
package mock

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oceanvision/reefscan/pkg/messages"
	"github.com/oceanvision/reefscan/pkg/models"
)

const nameCollisionRetries = 5

// Backend satisfies the queue Backend contract without any external fabric.
// Results are JSON files named by submission timestamp; Collect consumes the
// oldest file first, preserving FIFO order.
type Backend struct {
	dir  string
	name string

	mu sync.Mutex
}

// NewBackend creates a mock backend persisting results under dir.
func NewBackend(dir, name string) (*Backend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create mock queue dir: %w", err)
	}
	return &Backend{dir: dir, name: name}, nil
}

// Submit runs the task immediately and stores its result for later pickup.
func (b *Backend) Submit(_ context.Context, msg messages.SubmitMessage) error {
	msg.Queue = b.name
	result := b.execute(msg)

	data, err := messages.Encode(result)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writeResult(data)
}

// Collect returns the oldest stored result, removing its file. Returns
// (nil, nil) when no results are waiting.
func (b *Backend) Collect(_ context.Context) (*messages.ResultMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, fmt.Errorf("read mock queue dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return nil, nil
	}
	// Names embed a zero-padded submission timestamp, so lexicographic order
	// is chronological order.
	sort.Strings(names)

	path := filepath.Join(b.dir, names[0])
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mock result: %w", err)
	}
	if err := os.Remove(path); err != nil {
		return nil, fmt.Errorf("remove mock result: %w", err)
	}

	msg, err := messages.DecodeResult(data)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (b *Backend) writeResult(data []byte) error {
	for attempt := 0; attempt < nameCollisionRetries; attempt++ {
		name := fmt.Sprintf("%020d_%04d.json", time.Now().UnixNano(), rand.Intn(10000))
		f, err := os.OpenFile(filepath.Join(b.dir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if os.IsExist(err) {
			continue
		}
		if err != nil {
			return fmt.Errorf("create mock result file: %w", err)
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			return fmt.Errorf("write mock result file: %w", err)
		}
		return f.Close()
	}
	return fmt.Errorf("mock result name collided %d times", nameCollisionRetries)
}

// execute synthesizes a deterministic result for the submitted task.
func (b *Backend) execute(msg messages.SubmitMessage) messages.ResultMessage {
	result := messages.ResultMessage{
		TaskType: msg.TaskType,
		JobID:    msg.JobID,
		Queue:    msg.Queue,
	}

	switch msg.TaskType {
	case models.JobExtractFeatures:
		var p messages.ExtractPayload
		if err := decodePayload(msg, &p); err != nil {
			result.Error = err.Error()
			return result
		}
		result.Extract = &messages.ExtractResult{
			RuntimeTotalMs:   350,
			RuntimeCoreMs:    300,
			FeatureSizeBytes: 4096,
		}

	case models.JobTrainClassifier:
		var p messages.TrainPayload
		if err := decodePayload(msg, &p); err != nil {
			result.Error = err.Error()
			return result
		}
		refs := make([]float64, len(p.PreviousClassifierIDs))
		for i, id := range p.PreviousClassifierIDs {
			refs[i] = pseudoFraction(id.String())
		}
		result.Train = &messages.TrainResult{
			ClassifierID:  p.ClassifierID,
			Success:       true,
			Accuracy:      pseudoFraction(p.ClassifierID.String()),
			RefAccuracies: refs,
			RuntimeMs:     1200,
		}

	case models.JobClassifyImage:
		var p messages.ClassifyPayload
		if err := decodePayload(msg, &p); err != nil {
			result.Error = err.Error()
			return result
		}
		points := make([]messages.PointScores, len(p.Points))
		for i, pt := range p.Points {
			points[i] = messages.PointScores{
				Row:    pt.Row,
				Column: pt.Column,
				Scores: pseudoScores(p.FeatureKey, pt, len(p.LabelIDs)),
			}
		}
		result.Classify = &messages.ClassifyResult{Points: points}

	default:
		result.Error = fmt.Sprintf("unknown task type %q", msg.TaskType)
	}

	return result
}

func decodePayload(msg messages.SubmitMessage, v any) error {
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", msg.TaskType, err)
	}
	return nil
}

// pseudoFraction maps a string to a stable value in [0.5, 0.9).
func pseudoFraction(s string) float64 {
	h := sha256.Sum256([]byte(s))
	v := binary.BigEndian.Uint32(h[:4])
	return 0.5 + 0.4*(float64(v)/float64(1<<32))
}

// pseudoScores produces a stable probability distribution over n labels for
// one point, so classification output is reproducible across runs.
func pseudoScores(featureKey string, pt messages.Point, n int) []float64 {
	if n == 0 {
		return nil
	}
	h := sha256.Sum256([]byte(fmt.Sprintf("%s:%d:%d", featureKey, pt.Row, pt.Column)))

	scores := make([]float64, n)
	var sum float64
	for i := 0; i < n; i++ {
		scores[i] = float64(h[i%len(h)]) + 1
		sum += scores[i]
	}
	for i := range scores {
		scores[i] /= sum
	}
	return scores
}
