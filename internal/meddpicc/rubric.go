package meddpicc

// ScoreDefinition is one row of the authoritative scoring rubric for a
// category: what a given score means and how to recognize it.
type ScoreDefinition struct {
	Score    int    `json:"score"`
	Label    string `json:"label"`
	Criteria string `json:"criteria"`
}

// LabelFor returns the rubric label matching score, if any.
func LabelFor(defs []ScoreDefinition, score int) (string, bool) {
	for _, d := range defs {
		if d.Score == score && d.Label != "" {
			return d.Label, true
		}
	}
	return "", false
}
