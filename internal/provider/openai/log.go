package openai

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/openai/openai-go/option"
	"go.uber.org/zap"
)

const maxLoggedDataURL = 64

func (p *Provider) logMiddleware(req *http.Request, next option.MiddlewareNext) (*http.Response, error) {
	if req.Body != nil {
		body, err := io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, err
		}
		req.Body = io.NopCloser(bytes.NewReader(body))
		p.logger.Debug("request",
			zap.String("method", req.Method),
			zap.String("url", req.URL.String()),
			zap.Any("headers", redactHeaders(req.Header)),
			zap.ByteString("body", truncateDataURLs(body)),
		)
	}

	resp, err := next(req)
	if err != nil {
		p.logger.Debug("request failed", zap.Error(err))
		return resp, err
	}

	body, readErr := io.ReadAll(resp.Body)
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(body))
	if readErr != nil {
		return resp, readErr
	}

	p.logger.Debug("response",
		zap.Int("status", resp.StatusCode),
		zap.ByteString("body", body),
	)
	return resp, nil
}

func redactHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for key, values := range h {
		value := strings.Join(values, ", ")
		switch strings.ToLower(key) {
		case "authorization", "api-key", "x-api-key":
			value = "[REDACTED]"
		}
		out[key] = value
	}
	return out
}

// truncateDataURLs shortens base64 image payloads so request logs stay readable.
func truncateDataURLs(body []byte) []byte {
	var data any
	if err := json.Unmarshal(body, &data); err != nil {
		return body
	}
	data = truncateValue(data)
	out, err := json.Marshal(data)
	if err != nil {
		return body
	}
	return out
}

func truncateValue(v any) any {
	switch t := v.(type) {
	case string:
		if strings.HasPrefix(t, "data:") && len(t) > maxLoggedDataURL {
			return t[:maxLoggedDataURL] + "... [truncated]"
		}
		return t
	case map[string]any:
		for k, val := range t {
			t[k] = truncateValue(val)
		}
		return t
	case []any:
		for i, val := range t {
			t[i] = truncateValue(val)
		}
		return t
	}
	return v
}
