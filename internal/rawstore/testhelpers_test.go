package rawstore

import "github.com/Jakeintech/congress-disclosures-standardized-sub003/internal/model"

func ref(sourceID, partitionKey, documentID string) model.DocumentRef {
	return model.DocumentRef{SourceID: sourceID, PartitionKey: partitionKey, DocumentID: documentID}
}
