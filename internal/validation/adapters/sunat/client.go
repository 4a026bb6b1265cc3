package sunat

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/facturaops/sunat-validator/internal/validation/domain"
)

// ValidationURL builds the per-deployment validation endpoint for the
// receiving taxpayer's RUC.
func ValidationURL(ruc string) string {
	return fmt.Sprintf("https://api.sunat.gob.pe/v1/contribuyente/contribuyentes/%s/validarcomprobante", ruc)
}

// validateRequest is the wire shape of the validar-comprobante call.
type validateRequest struct {
	NumRUC       string  `json:"numRuc"`
	CodComp      string  `json:"codComp"`
	NumeroSerie  string  `json:"numeroSerie"`
	Numero       string  `json:"numero"`
	FechaEmision *string `json:"fechaEmision"` // DD/MM/YYYY, null when the date is unknown
	Monto        string  `json:"monto"`        // always two decimals
}

// Client calls the SUNAT validation endpoint for one invoice at a time.
// It is safe for concurrent use by the worker pool.
type Client struct {
	logger      *slog.Logger
	httpClient  *http.Client
	validateURL string
	maxRetries  int

	sleep func(ctx context.Context, d time.Duration)
}

func sleepContext(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}

func NewClient(logger *slog.Logger, validateURL string, maxRetries int, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 25 * time.Second}
	}
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &Client{
		logger:      logger.With("component", "sunat_client"),
		httpClient:  httpClient,
		validateURL: validateURL,
		maxRetries:  maxRetries,
		sleep:       sleepContext,
	}
}

// Validate issues the validation call for a claimed item. HTTP 200 means
// success with the decoded body as payload; any other status is a failure
// payload carrying the status under "http". Transport failures are retried
// up to maxRetries with linearly increasing backoff before surfacing a
// failure payload with the last error's description. A cancelled context
// cuts the backoff short and surfaces the last error immediately. The
// second return is never nil.
func (c *Client) Validate(ctx context.Context, token string, item *domain.QueueItem) (bool, map[string]any) {
	reqBody, err := json.Marshal(buildRequest(item))
	if err != nil {
		return false, map[string]any{"error": fmt.Sprintf("encoding request: %v", err)}
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.validateURL, bytes.NewReader(reqBody))
		if err != nil {
			return false, map[string]any{"error": fmt.Sprintf("building request: %v", err)}
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			c.logger.WarnContext(ctx, "Validation transport error",
				"invoice_id", item.InvoiceID, "attempt", attempt, "error", err)
			if attempt < c.maxRetries {
				c.sleep(ctx, time.Duration(2*attempt)*time.Second)
				if ctx.Err() != nil {
					break
				}
			}
			continue
		}

		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			c.logger.WarnContext(ctx, "Validation response read error",
				"invoice_id", item.InvoiceID, "attempt", attempt, "error", readErr)
			if attempt < c.maxRetries {
				c.sleep(ctx, time.Duration(2*attempt)*time.Second)
				if ctx.Err() != nil {
					break
				}
			}
			continue
		}

		if resp.StatusCode == http.StatusOK {
			return true, decodePayload(respBody)
		}

		payload := decodePayload(respBody)
		payload["http"] = resp.StatusCode
		c.logger.WarnContext(ctx, "Validation rejected by API",
			"invoice_id", item.InvoiceID, "status_code", resp.StatusCode)
		return false, payload
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("unknown transport failure")
	}
	return false, map[string]any{"error": lastErr.Error()}
}

func buildRequest(item *domain.QueueItem) validateRequest {
	return validateRequest{
		NumRUC:       item.IssuerRUC,
		CodComp:      item.DocumentType,
		NumeroSerie:  item.Series,
		Numero:       item.Number,
		FechaEmision: formatIssueDate(item.IssueDate),
		Monto:        formatAmount(item.TotalAmount),
	}
}

func formatIssueDate(d sql.NullTime) *string {
	if !d.Valid {
		return nil
	}
	s := d.Time.Format("02/01/2006")
	return &s
}

// formatAmount renders a monetary value as a fixed two-decimal string using
// round-half-up. Absent amounts render as "0.00". The value goes through its
// shortest decimal form into a big.Rat so a stored 10.005 rounds up to 10.01
// instead of being dragged down by its binary expansion.
func formatAmount(v sql.NullFloat64) string {
	if !v.Valid {
		return "0.00"
	}
	r, ok := new(big.Rat).SetString(strconv.FormatFloat(v.Float64, 'f', -1, 64))
	if !ok {
		return "0.00"
	}
	neg := r.Sign() < 0
	if neg {
		r.Neg(r)
	}

	cents := new(big.Rat).Mul(r, big.NewRat(100, 1))
	cents.Add(cents, big.NewRat(1, 2))
	whole := new(big.Int).Quo(cents.Num(), cents.Denom())

	s := whole.String()
	for len(s) < 3 {
		s = "0" + s
	}
	out := s[:len(s)-2] + "." + s[len(s)-2:]
	if neg {
		out = "-" + out
	}
	return out
}

// decodePayload decodes a JSON body, falling back to a bounded raw-text
// payload when the body is not an object.
func decodePayload(body []byte) map[string]any {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil || payload == nil {
		raw := string(body)
		if len(raw) > 1000 {
			raw = raw[:1000]
		}
		return map[string]any{"raw": raw}
	}
	return payload
}
