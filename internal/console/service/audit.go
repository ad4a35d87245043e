package service

import (
	"context"
	"fmt"

	"github.com/xela07ax/commerce-gate/internal/audit"
)

const maxAuditPage = 500

// AuditService — чтение журнала для комплаенса. Записи не изменяются.
type AuditService struct {
	log *audit.Log
}

func NewAuditService(log *audit.Log) *AuditService {
	return &AuditService{log: log}
}

// AuditPage — страница журнала и курсор для следующего запроса.
type AuditPage struct {
	Records []audit.Record `json:"records"`
	NextSeq int64          `json:"next_seq,omitempty"`
}

// FetchLogs читает записи с seq > afterSeq. NextSeq пуст, если записей больше нет.
func (s *AuditService) FetchLogs(ctx context.Context, f audit.Filter, afterSeq int64, limit int) (AuditPage, error) {
	if limit <= 0 || limit > maxAuditPage {
		limit = maxAuditPage
	}
	page := AuditPage{Records: make([]audit.Record, 0)}
	for rec, err := range s.log.QueryFrom(ctx, f, afterSeq) {
		if err != nil {
			return AuditPage{}, fmt.Errorf("audit_service: failed to fetch logs: %w", err)
		}
		if len(page.Records) == limit {
			page.NextSeq = page.Records[len(page.Records)-1].Seq
			break
		}
		page.Records = append(page.Records, rec)
	}
	return page, nil
}
