package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/tyemirov/sessiond/internal/authkit"
	"go.uber.org/zap"
)

// FunctionError is a non-2xx edge function response.
type FunctionError struct {
	Status  int
	Message string
}

func (functionError *FunctionError) Error() string {
	return fmt.Sprintf("supabase.function.%d: %s", functionError.Status, functionError.Message)
}

type functionErrorBody struct {
	Error string `json:"error"`
}

// InvokeSecureFunction calls an edge function as the user identified by accessToken.
func (client *Client) InvokeSecureFunction(ctx context.Context, name string, accessToken string) (authkit.FunctionResult, error) {
	name = strings.Trim(strings.TrimSpace(name), "/")
	if name == "" {
		return authkit.FunctionResult{}, fmt.Errorf("supabase.function.name: function name is required")
	}
	if accessToken == "" {
		return authkit.FunctionResult{}, ErrNoSession
	}
	requestID := uuid.NewString()
	endpoint := client.functionsURL.JoinPath(name)
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader([]byte("{}")))
	if err != nil {
		return authkit.FunctionResult{}, fmt.Errorf("supabase.function.build: %w", err)
	}
	request.Header.Set("Authorization", "Bearer "+accessToken)
	request.Header.Set("apikey", client.anonKey)
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("X-Request-Id", requestID)

	response, err := client.httpClient.Do(request)
	if err != nil {
		return authkit.FunctionResult{}, fmt.Errorf("supabase.function.send: %w", err)
	}
	defer response.Body.Close()
	body, err := io.ReadAll(response.Body)
	if err != nil {
		return authkit.FunctionResult{}, fmt.Errorf("supabase.function.read: %w", err)
	}
	if response.StatusCode < 200 || response.StatusCode > 299 {
		functionError := &FunctionError{Status: response.StatusCode, Message: strings.TrimSpace(string(body))}
		var decoded functionErrorBody
		if json.Unmarshal(body, &decoded) == nil && decoded.Error != "" {
			functionError.Message = decoded.Error
		}
		client.logger.Warn("edge function failed",
			zap.String("code", "supabase.function.error"),
			zap.String("function", name),
			zap.String("request_id", requestID),
			zap.Int("status", response.StatusCode))
		return authkit.FunctionResult{}, functionError
	}
	client.logger.Info("edge function invoked",
		zap.String("code", "supabase.function.invoked"),
		zap.String("function", name),
		zap.String("request_id", requestID))
	return authkit.FunctionResult{Status: response.StatusCode, Body: body}, nil
}
