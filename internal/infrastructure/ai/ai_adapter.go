package ai

import (
	"context"

	aiclient "github.com/ignatzorin/agent-escrow/internal/ai"
	"github.com/ignatzorin/agent-escrow/internal/domain/repository"
	vo "github.com/ignatzorin/agent-escrow/internal/domain/valueobject"
	"github.com/ignatzorin/agent-escrow/internal/pkg/apperror"
)

// ArbitrationAdapter подключает AI клиента к движку споров.
type ArbitrationAdapter struct {
	client *aiclient.Client
}

func NewArbitrationAdapter(client *aiclient.Client) *ArbitrationAdapter {
	return &ArbitrationAdapter{client: client}
}

func (a *ArbitrationAdapter) Arbitrate(ctx context.Context, caseSummary string) (repository.Verdict, error) {
	res, err := a.client.Arbitrate(ctx, caseSummary)
	if err != nil {
		return repository.Verdict{}, apperror.External(err, "арбитраж недоступен")
	}
	return repository.Verdict{
		Analysis:       res.Analysis,
		Recommendation: vo.Recommendation(res.Recommendation),
		Confidence:     res.Confidence,
	}, nil
}
