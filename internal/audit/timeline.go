package audit

import (
	"time"

	"github.com/phc-his/his/internal/rbac"
)

// TimelineFilters menampung filter untuk audit timeline. Nilai kosong
// berarti tidak difilter.
type TimelineFilters struct {
	From        time.Time
	To          time.Time
	PrincipalID int64
	Module      rbac.Module
	Action      rbac.Action
	Outcome     Outcome
	TargetType  string
	TargetID    string
	Page        int
	PageSize    int
}

// PagingInfo menyimpan metadata pagination sederhana.
type PagingInfo struct {
	Page     int  `json:"page"`
	PageSize int  `json:"page_size"`
	HasNext  bool `json:"has_next"`
	PrevPage int  `json:"prev_page,omitempty"`
	NextPage int  `json:"next_page,omitempty"`
}

// Result membungkus hasil timeline dengan informasi paging.
type Result struct {
	Rows   []Record   `json:"rows"`
	Paging PagingInfo `json:"paging"`
}
