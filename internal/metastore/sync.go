package metastore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/raphaelgruber/vecsync/internal/models"
	"github.com/samber/lo"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SaveSyncRun inserts a sync run or replaces the one with the same run id.
func (s *Store) SaveSyncRun(ctx context.Context, run *models.SyncRun) error {
	rec := SyncRunRecord{
		RunID:               run.RunID,
		SourceItemID:        run.SourceItemID,
		Namespace:           run.Namespace,
		Status:              string(run.Status),
		BlocksProcessed:     run.BlocksProcessed,
		PropertiesProcessed: run.PropertiesProcessed,
		VectorsCreated:      run.VectorsCreated,
		ErrorText:           run.Error,
		StartedAt:           run.StartedAt,
		CompletedAt:         run.CompletedAt,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("save sync run %s: %w", run.RunID, err)
	}
	return nil
}

// ListSyncRuns returns the latest runs, optionally for one source item.
func (s *Store) ListSyncRuns(ctx context.Context, sourceItemID string, limit int) ([]models.SyncRun, error) {
	q := s.db.WithContext(ctx).Order("completed_at DESC")
	if sourceItemID != "" {
		q = q.Where("source_item_id = ?", sourceItemID)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}

	var recs []SyncRunRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list sync runs: %w", err)
	}
	return lo.Map(recs, func(r SyncRunRecord, _ int) models.SyncRun {
		return models.SyncRun{
			RunID:               r.RunID,
			SourceItemID:        r.SourceItemID,
			Namespace:           r.Namespace,
			Status:              models.SyncRunStatus(r.Status),
			BlocksProcessed:     r.BlocksProcessed,
			PropertiesProcessed: r.PropertiesProcessed,
			VectorsCreated:      r.VectorsCreated,
			Error:               r.ErrorText,
			StartedAt:           r.StartedAt,
			CompletedAt:         r.CompletedAt,
		}
	}), nil
}

// CreateRelations records vector provenance. A relation for an existing
// vector is replaced.
func (s *Store) CreateRelations(ctx context.Context, rels []models.VectorRelation) error {
	if len(rels) == 0 {
		return nil
	}
	recs := lo.Map(rels, func(r models.VectorRelation, _ int) RelationRecord {
		return RelationRecord{
			Namespace:    r.Namespace,
			VectorID:     r.VectorID,
			SourceItemID: r.SourceItemID,
			SubItemID:    r.SubItemID,
			ContentType:  string(r.ContentType),
			CreatedAt:    r.CreatedAt,
		}
	})
	recs = lo.UniqBy(recs, func(r RelationRecord) string { return r.Namespace + "\x00" + r.VectorID })

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).CreateInBatches(recs, 200).Error
	if err != nil {
		return fmt.Errorf("create relations: %w", err)
	}
	return nil
}

// RelationsBySource returns the relations of one source item.
func (s *Store) RelationsBySource(ctx context.Context, namespace, sourceItemID string) ([]models.VectorRelation, error) {
	var recs []RelationRecord
	err := s.db.WithContext(ctx).
		Where("namespace = ? AND source_item_id = ?", namespace, sourceItemID).
		Order("created_at ASC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("relations of %s: %w", sourceItemID, err)
	}
	return lo.Map(recs, func(r RelationRecord, _ int) models.VectorRelation {
		return models.VectorRelation{
			VectorID:     r.VectorID,
			SourceItemID: r.SourceItemID,
			SubItemID:    r.SubItemID,
			Namespace:    r.Namespace,
			ContentType:  models.ContentType(r.ContentType),
			CreatedAt:    r.CreatedAt,
		}
	}), nil
}

// DeleteRelations removes the relations of the given vectors.
func (s *Store) DeleteRelations(ctx context.Context, namespace string, vectorIDs []string) error {
	if len(vectorIDs) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).
		Where("namespace = ? AND vector_id IN ?", namespace, vectorIDs).
		Delete(&RelationRecord{}).Error
	if err != nil {
		return fmt.Errorf("delete relations: %w", err)
	}
	return nil
}

// SaveDocument stores the latest fetched copy of a document.
func (s *Store) SaveDocument(ctx context.Context, doc *models.SourceDocument) error {
	props, err := marshalJSON(doc.Properties)
	if err != nil {
		return fmt.Errorf("encode properties of %s: %w", doc.ID, err)
	}
	rec := DocumentRecord{
		ID:           doc.ID,
		Title:        doc.Title,
		URL:          doc.URL,
		Archived:     doc.Archived,
		Properties:   props,
		Raw:          doc.Raw,
		LastEditedAt: doc.LastEditedAt,
		FetchedAt:    time.Now(),
	}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&rec).Error; err != nil {
		return fmt.Errorf("save document %s: %w", doc.ID, err)
	}
	return nil
}

// GetDocument loads a stored document.
func (s *Store) GetDocument(ctx context.Context, id string) (*models.SourceDocument, error) {
	var rec DocumentRecord
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		return nil, fmt.Errorf("get document %s: %w", id, notFound(err))
	}
	doc := &models.SourceDocument{
		ID:           rec.ID,
		Title:        rec.Title,
		URL:          rec.URL,
		Archived:     rec.Archived,
		Raw:          json.RawMessage(rec.Raw),
		LastEditedAt: rec.LastEditedAt,
	}
	if err := unmarshalJSON(rec.Properties, &doc.Properties); err != nil {
		return nil, fmt.Errorf("decode properties of %s: %w", id, err)
	}
	return doc, nil
}

// SaveBlocks replaces the stored blocks of a document.
func (s *Store) SaveBlocks(ctx context.Context, documentID string, blocks []models.SourceBlock) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("document_id = ?", documentID).Delete(&BlockRecord{}).Error; err != nil {
			return fmt.Errorf("clear blocks of %s: %w", documentID, err)
		}
		if len(blocks) == 0 {
			return nil
		}
		recs := lo.Map(blocks, func(b models.SourceBlock, i int) BlockRecord {
			return BlockRecord{
				DocumentID:  documentID,
				Position:    i,
				BlockID:     b.ID,
				Type:        b.Type,
				Text:        b.Text,
				HasChildren: b.HasChildren,
				Raw:         b.Raw,
			}
		})
		if err := tx.CreateInBatches(recs, 200).Error; err != nil {
			return fmt.Errorf("save blocks of %s: %w", documentID, err)
		}
		return nil
	})
}

// Blocks returns the stored blocks of a document in order.
func (s *Store) Blocks(ctx context.Context, documentID string) ([]models.SourceBlock, error) {
	var recs []BlockRecord
	if err := s.db.WithContext(ctx).Where("document_id = ?", documentID).Order("position ASC").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("blocks of %s: %w", documentID, err)
	}
	return lo.Map(recs, func(r BlockRecord, _ int) models.SourceBlock {
		return models.SourceBlock{
			ID:          r.BlockID,
			Type:        r.Type,
			Text:        r.Text,
			HasChildren: r.HasChildren,
			Raw:         json.RawMessage(r.Raw),
		}
	}), nil
}
