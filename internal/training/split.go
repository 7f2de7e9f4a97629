package training

import (
	"github.com/mendezjerick/riceforecast/internal/api"
)

// Fold is one expanding-window split over an ordered index range.
// Train is [0, TrainEnd) and validation is [TrainEnd, TestEnd).
type Fold struct {
	TrainEnd int
	TestEnd  int
}

// TimeSeriesSplit partitions n ordered items into folds expanding-window
// splits. Each validation block has n/(folds+1) items and the earliest
// n - folds*size items are never validated.
func TimeSeriesSplit(n, folds int) ([]Fold, error) {
	if folds < 2 {
		return nil, api.Errorf(api.ErrValidation, "cv folds %d must be at least 2", folds)
	}
	if n < folds+1 {
		return nil, api.Errorf(api.ErrInsufficientData, "%d months cannot make %d time-series folds", n, folds)
	}
	size := n / (folds + 1)
	out := make([]Fold, 0, folds)
	for start := n - folds*size; start < n; start += size {
		out = append(out, Fold{TrainEnd: start, TestEnd: start + size})
	}
	return out, nil
}
