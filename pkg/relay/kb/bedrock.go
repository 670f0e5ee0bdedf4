package kb

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagentruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagentruntime/types"
)

// BedrockAPI is the slice of the agent runtime client the retriever uses.
type BedrockAPI interface {
	Retrieve(ctx context.Context, params *bedrockagentruntime.RetrieveInput, optFns ...func(*bedrockagentruntime.Options)) (*bedrockagentruntime.RetrieveOutput, error)
}

// Bedrock retrieves passages from a Bedrock knowledge base.
type Bedrock struct {
	client BedrockAPI
	kbID   string
}

func NewBedrock(client BedrockAPI, knowledgeBaseID string) *Bedrock {
	return &Bedrock{client: client, kbID: knowledgeBaseID}
}

func (b *Bedrock) Retrieve(ctx context.Context, query string, maxResults int) ([]Result, error) {
	if maxResults <= 0 {
		maxResults = 10
	}
	out, err := b.client.Retrieve(ctx, &bedrockagentruntime.RetrieveInput{
		KnowledgeBaseId: aws.String(b.kbID),
		RetrievalQuery:  &types.KnowledgeBaseQuery{Text: aws.String(query)},
		RetrievalConfiguration: &types.KnowledgeBaseRetrievalConfiguration{
			VectorSearchConfiguration: &types.KnowledgeBaseVectorSearchConfiguration{
				NumberOfResults: aws.Int32(int32(maxResults)),
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("kb retrieve: %w", err)
	}

	results := make([]Result, 0, len(out.RetrievalResults))
	for _, r := range out.RetrievalResults {
		res := Result{}
		if r.Content != nil && r.Content.Text != nil {
			res.Content = *r.Content.Text
		}
		if r.Score != nil {
			res.Score = *r.Score
		}
		results = append(results, res)
	}
	return results, nil
}
