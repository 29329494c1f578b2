package metadata

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

const searchFields = "id,name,code,shortName"

type HTTPClient struct {
	baseURL    string
	token      string
	username   string
	password   string
	httpClient *http.Client
}

type ClientOption func(*HTTPClient)

// WithBasicAuth switches the client from bearer tokens to basic auth.
func WithBasicAuth(username, password string) ClientOption {
	return func(c *HTTPClient) {
		c.username = strings.TrimSpace(username)
		c.password = password
	}
}

func NewHTTPClient(baseURL, token string, httpClient *http.Client, opts ...ClientOption) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	c := &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

func (c *HTTPClient) Get(ctx context.Context, rt ResourceType, id string) (Object, error) {
	if !rt.Valid() {
		return Object{}, fmt.Errorf("%w: unknown resource type %q", ErrInvalidInput, rt)
	}
	if strings.TrimSpace(id) == "" {
		return Object{}, fmt.Errorf("%w: id is required", ErrInvalidInput)
	}
	var out Object
	err := c.doJSON(ctx, http.MethodGet, "/api/"+rt.Endpoint()+"/"+url.PathEscape(id), nil, nil, &out)
	return out, err
}

func (c *HTTPClient) Search(ctx context.Context, rt ResourceType, field, value string) ([]Object, error) {
	if !rt.Valid() {
		return nil, fmt.Errorf("%w: unknown resource type %q", ErrInvalidInput, rt)
	}
	q := url.Values{}
	q.Set("filter", field+":eq:"+value)
	q.Set("fields", searchFields)
	q.Set("paging", "false")
	var out map[string][]Object
	if err := c.doJSON(ctx, http.MethodGet, "/api/"+rt.Endpoint(), q, nil, &out); err != nil {
		return nil, err
	}
	return out[rt.Endpoint()], nil
}

type importResponse struct {
	HTTPStatus string `json:"httpStatus"`
	Response   struct {
		UID string `json:"uid"`
	} `json:"response"`
}

// Create submits obj and returns the id the server assigned (normally the
// id carried in obj).
func (c *HTTPClient) Create(ctx context.Context, rt ResourceType, obj Object) (string, error) {
	if !rt.Valid() {
		return "", fmt.Errorf("%w: unknown resource type %q", ErrInvalidInput, rt)
	}
	var out importResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/"+rt.Endpoint(), nil, obj, &out); err != nil {
		return "", err
	}
	if out.Response.UID != "" {
		return out.Response.UID, nil
	}
	return obj.ID, nil
}

func (c *HTTPClient) OrganisationUnitExists(ctx context.Context, id string) (bool, error) {
	var out Object
	err := c.doJSON(ctx, http.MethodGet, "/api/"+OrganisationUnitsEndpoint+"/"+url.PathEscape(id), url.Values{"fields": {"id"}}, nil, &out)
	if err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Resource binds the client to one resource type.
func (c *HTTPClient) Resource(rt ResourceType) *ResourceClient {
	return &ResourceClient{client: c, rt: rt}
}

type ResourceClient struct {
	client *HTTPClient
	rt     ResourceType
}

func (r *ResourceClient) FetchByID(ctx context.Context, id string) (Object, error) {
	return r.client.Get(ctx, r.rt, id)
}

func (r *ResourceClient) SearchByField(ctx context.Context, field, value string) ([]Object, error) {
	return r.client.Search(ctx, r.rt, field, value)
}

func (r *ResourceClient) Create(ctx context.Context, obj Object) (string, error) {
	return r.client.Create(ctx, r.rt, obj)
}

// doJSON performs exactly one request. Retrying is left to the caller, which
// classifies the returned error.
func (c *HTTPClient) doJSON(
	ctx context.Context,
	method, requestPath string,
	query url.Values,
	body any,
	out any,
) error {
	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}
	target := c.baseURL + requestPath
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
	if err != nil {
		return err
	}
	c.authorize(req)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Correlation-Id", correlationID())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &NetworkError{Op: method + " " + requestPath, Err: err}
	}
	payloadBytes, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return &NetworkError{Op: method + " " + requestPath, Err: readErr}
	}

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		if out == nil || len(payloadBytes) == 0 {
			return nil
		}
		return json.Unmarshal(payloadBytes, out)
	}

	var errPayload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(payloadBytes, &errPayload)
	if resp.StatusCode == http.StatusConflict {
		return &ConflictError{Path: requestPath, Code: errPayload.Code, Message: errPayload.Message}
	}
	return &HTTPError{
		StatusCode: resp.StatusCode,
		Code:       errPayload.Code,
		Message:    errPayload.Message,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

func (c *HTTPClient) authorize(req *http.Request) {
	switch {
	case c.username != "":
		req.SetBasicAuth(c.username, c.password)
	case c.token != "":
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func correlationID() string {
	return "prov_" + uuid.Must(uuid.NewV7()).String()
}
