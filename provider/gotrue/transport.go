package gotrue

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"

	"github.com/jrsteele09/invoicer-auth/provider"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"
)

// errorBody covers both the current ({code, error_code, msg}) and the legacy
// ({error, error_description}) GoTrue error shapes.
type errorBody struct {
	Code             any    `json:"code"`
	ErrorCode        string `json:"error_code"`
	Msg              string `json:"msg"`
	Message          string `json:"message"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// do sends a JSON request to the auth API. bearer is the user's access token for
// user-scoped calls; the public key is sent otherwise.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, bearer string, in, out any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Client-Info", clientInfo)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer == "" {
		bearer = c.apiKey
	}
	(&oauth2.Token{AccessToken: bearer, TokenType: "Bearer"}).SetAuthHeader(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "read response")
	}

	c.logger.Debug().Str("method", method).Str("path", path).Int("status", resp.StatusCode).Msg("auth request")

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp.StatusCode, data)
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.Wrap(err, "decode response")
	}
	return nil
}

func decodeError(status int, data []byte) *provider.Error {
	perr := &provider.Error{Status: status}

	var eb errorBody
	if err := json.Unmarshal(data, &eb); err != nil {
		perr.Message = http.StatusText(status)
		return perr
	}

	perr.Code = firstNonEmpty(eb.ErrorCode, codeString(eb.Code), eb.Error)
	perr.Message = firstNonEmpty(eb.Msg, eb.Message, eb.ErrorDescription, eb.Error, http.StatusText(status))
	return perr
}

// codeString keeps string codes and drops the numeric status GoTrue repeats in "code".
func codeString(code any) string {
	if s, ok := code.(string); ok {
		return s
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
