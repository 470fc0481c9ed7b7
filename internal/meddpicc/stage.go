package meddpicc

import (
	"math"
	"strings"
)

// Bucket is the CRM forecast classification derived from a free-text stage.
type Bucket string

const (
	BucketCommit     Bucket = "Commit"
	BucketBestCase   Bucket = "Best Case"
	BucketPipeline   Bucket = "Pipeline"
	BucketClosedWon  Bucket = "Closed Won"
	BucketClosedLost Bucket = "Closed Lost"
	BucketClosed     Bucket = "Closed"
)

// ClassifyStage maps a free-text forecast/sales stage onto a CRM bucket by
// keyword match. Unknown or empty text defaults to Pipeline, the weakest
// open classification.
func ClassifyStage(stage string) Bucket {
	s := strings.ToLower(strings.TrimSpace(stage))
	switch {
	case s == "":
		return BucketPipeline
	case strings.Contains(s, "won"):
		return BucketClosedWon
	case strings.Contains(s, "lost"):
		return BucketClosedLost
	case strings.Contains(s, "closed"):
		return BucketClosed
	case strings.Contains(s, "commit"):
		return BucketCommit
	case strings.Contains(s, "best case") || strings.Contains(s, "bestcase") || strings.Contains(s, "best_case"):
		return BucketBestCase
	default:
		return BucketPipeline
	}
}

// Closed reports whether the bucket is terminal. Closed deals are never
// rescored and never re-entered into review.
func (b Bucket) Closed() bool {
	return b == BucketClosedWon || b == BucketClosedLost || b == BucketClosed
}

// OrderFor returns the fixed category review ordering for a deal in the
// given stage: five categories for Pipeline, the full ten for Best Case
// and Commit. Closed stages return nil.
func OrderFor(stage string) []Category {
	switch ClassifyStage(stage) {
	case BucketCommit, BucketBestCase:
		return AllCategories
	case BucketPipeline:
		return PipelineCategories
	default:
		return nil
	}
}

// FirstGap returns the next unreviewed category for the deal's stage given
// the set of categories already reviewed this session, or false when every
// required category has been covered. This is the deterministic selector
// the turn engine enforces against, independent of anything the model says.
func FirstGap(stage string, reviewed map[Category]bool) (Category, bool) {
	for _, c := range OrderFor(stage) {
		if !reviewed[c] {
			return c, true
		}
	}
	return "", false
}

// ForecastFromHealth buckets a total health score for the non-conversational
// save path: >=21 Commit, >=15 Best Case, otherwise Pipeline.
func ForecastFromHealth(health int) Bucket {
	switch {
	case health >= 21:
		return BucketCommit
	case health >= 15:
		return BucketBestCase
	default:
		return BucketPipeline
	}
}

// HealthPercent converts a 0-30 health score to a whole percentage,
// rounded and clamped to [0,100].
func HealthPercent(health int) int {
	p := int(math.Round(float64(health) / float64(MaxHealthScore) * 100))
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// SignalScore maps an ingestion signal strength onto a category score when
// the extraction carries no explicit numeric score.
func SignalScore(signal string) int {
	switch strings.ToLower(strings.TrimSpace(signal)) {
	case "strong":
		return 3
	case "medium":
		return 2
	case "weak":
		return 1
	default:
		return 0
	}
}
