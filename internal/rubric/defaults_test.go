package rubric

import (
	"strings"
	"testing"

	"github.com/forecastly/dealreview/internal/meddpicc"
)

func TestDefaultQuestionPackCoversEveryCategory(t *testing.T) {
	for _, c := range meddpicc.AllCategories {
		pack := DefaultQuestionPack(c)
		if strings.TrimSpace(pack.Primary) == "" {
			t.Errorf("category %s has no default primary question", c)
		}
	}
}

func TestDefaultChampionQuestionNeverSaysChampion(t *testing.T) {
	pack := DefaultQuestionPack(meddpicc.Champion)
	all := pack.Primary + " " + strings.Join(pack.Clarifiers, " ")
	if strings.Contains(strings.ToLower(all), "champion") {
		t.Fatalf("spoken question text must say Internal Sponsor, got: %s", all)
	}
	if !strings.Contains(pack.Primary, "Internal Sponsor") {
		t.Errorf("primary question should say Internal Sponsor: %s", pack.Primary)
	}
}
