package handlers

import (
	"math"
	"net/http"
	"time"

	"github.com/kasparro/coinetl/internal/persistence"
)

// Pagination bounds for /data.
const (
	defaultPageSize = 50
	maxPageSize     = 1000
)

type cryptoDataItem struct {
	ID               int64     `json:"id"`
	Source           string    `json:"source"`
	Symbol           string    `json:"symbol"`
	Name             string    `json:"name"`
	PriceUSD         *float64  `json:"price_usd"`
	MarketCapUSD     *float64  `json:"market_cap_usd"`
	Volume24hUSD     *float64  `json:"volume_24h_usd"`
	Rank             *int      `json:"rank"`
	PercentChange24h *float64  `json:"percent_change_24h"`
	DataTimestamp    time.Time `json:"data_timestamp"`
}

type paginationMetadata struct {
	Page         int   `json:"page"`
	PageSize     int   `json:"page_size"`
	TotalRecords int64 `json:"total_records"`
	TotalPages   int   `json:"total_pages"`
}

type dataResponse struct {
	RequestID    string             `json:"request_id"`
	APILatencyMS float64            `json:"api_latency_ms"`
	Data         []cryptoDataItem   `json:"data"`
	Pagination   paginationMetadata `json:"pagination"`
}

// Data serves normalized market data with pagination and filtering by
// source, symbol (case-insensitive), and inclusive timestamp range.
func (h *Handlers) Data(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	page, err := intQuery(r, "page", 1, 1, 0)
	if err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, err.Error())
		return
	}
	pageSize, err := intQuery(r, "page_size", defaultPageSize, 1, maxPageSize)
	if err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, err.Error())
		return
	}
	startDate, err := dateQuery(r, "start_date")
	if err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, err.Error())
		return
	}
	endDate, err := dateQuery(r, "end_date")
	if err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, err.Error())
		return
	}

	filter := persistence.DataFilter{
		Source:    r.URL.Query().Get("source"),
		Symbol:    r.URL.Query().Get("symbol"),
		StartDate: startDate,
		EndDate:   endDate,
		Page:      page,
		PageSize:  pageSize,
	}

	records, total, err := h.store.Normalized.Page(r.Context(), filter)
	if err != nil {
		h.logger.Error().Err(err).
			Str("request_id", RequestIDFrom(r.Context())).
			Msg("failed to fetch data")
		WriteInternalError(w, r)
		return
	}

	items := make([]cryptoDataItem, 0, len(records))
	for _, rec := range records {
		items = append(items, cryptoDataItem{
			ID:               rec.ID,
			Source:           rec.Source,
			Symbol:           rec.Symbol,
			Name:             rec.Name,
			PriceUSD:         floatPtr(rec.PriceUSD),
			MarketCapUSD:     floatPtr(rec.MarketCapUSD),
			Volume24hUSD:     floatPtr(rec.Volume24hUSD),
			Rank:             rec.Rank,
			PercentChange24h: floatPtr(rec.PercentChange24h),
			DataTimestamp:    rec.DataTimestamp,
		})
	}

	totalPages := 0
	if total > 0 {
		totalPages = int(math.Ceil(float64(total) / float64(pageSize)))
	}

	writeJSON(w, http.StatusOK, dataResponse{
		RequestID:    RequestIDFrom(r.Context()),
		APILatencyMS: round2(float64(time.Since(start).Nanoseconds()) / 1e6),
		Data:         items,
		Pagination: paginationMetadata{
			Page:         page,
			PageSize:     pageSize,
			TotalRecords: total,
			TotalPages:   totalPages,
		},
	})
}
