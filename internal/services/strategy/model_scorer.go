package strategy

import (
	"context"
	"fmt"
	"strings"
	"time"

	domsvc "FinBacktest/internal/domain/service"
	xhttp "FinBacktest/pkg/http"
	"FinBacktest/pkg/util"
)

type scoreRequest struct {
	Symbol  string    `json:"symbol"`
	At      string    `json:"at"`
	Dates   []string  `json:"dates"`
	Closes  []float64 `json:"closes"`
	Volumes []float64 `json:"volumes"`
}

type scoreResponse struct {
	Score      float64            `json:"score"`
	Confidence float64            `json:"confidence"`
	Components map[string]float64 `json:"components"`
}

// ModelScorer delegates scoring to an external model service:
// POST {baseURL}/predict/{model} with the visible window.
type ModelScorer struct {
	model   string
	baseURL string
	client  *xhttp.Client
}

var _ domsvc.Strategy = (*ModelScorer)(nil)

func NewModelScorer(model, baseURL string, timeout time.Duration) *ModelScorer {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &ModelScorer{
		model:   model,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  xhttp.NewClient(xhttp.WithTimeout(timeout)),
	}
}

func (m *ModelScorer) Name() string { return m.model }

func (m *ModelScorer) Score(ctx context.Context, w domsvc.Window) (domsvc.Score, error) {
	if m.baseURL == "" {
		return domsvc.Score{}, fmt.Errorf("%s: model service url not configured", m.model)
	}
	if len(w.Bars) == 0 {
		return domsvc.Score{}, fmt.Errorf("%s: %w", m.model, ErrInsufficientHistory)
	}
	req := scoreRequest{
		Symbol:  w.Symbol,
		At:      util.FormatDay(w.At),
		Dates:   make([]string, len(w.Bars)),
		Closes:  make([]float64, len(w.Bars)),
		Volumes: make([]float64, len(w.Bars)),
	}
	for i, b := range w.Bars {
		req.Dates[i] = util.FormatDay(b.Timestamp)
		req.Closes[i] = b.Close
		req.Volumes[i] = b.Volume
	}

	var resp scoreResponse
	path := "/predict/" + m.model
	err := m.client.SendAndParse(ctx, &xhttp.RequestOptions{
		Method: xhttp.MethodPost,
		URL:    m.baseURL + path,
		Body:   req,
	}, &resp)
	if err != nil {
		return domsvc.Score{}, fmt.Errorf("post %s: %w", path, err)
	}
	return domsvc.Score{
		Raw:        clamp(resp.Score, -1, 1),
		Confidence: clamp(resp.Confidence, 0, 1),
		Components: resp.Components,
	}, nil
}
