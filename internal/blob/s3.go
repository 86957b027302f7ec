package blob

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

type s3Client struct {
	cfg        Config
	endpoint   *url.URL
	httpClient *http.Client
}

var _ Client = (*s3Client)(nil)

// NewS3Client builds a SigV4-signing client for an S3-compatible endpoint.
func NewS3Client(cfg Config) (Client, error) {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.BatchDeleteSize <= 0 || cfg.BatchDeleteSize > defaultBatchDeleteSize {
		cfg.BatchDeleteSize = defaultBatchDeleteSize
	}
	cfg.Bucket = strings.TrimSpace(cfg.Bucket)
	trimmedEndpoint := strings.TrimSpace(cfg.Endpoint)
	if cfg.Bucket == "" || trimmedEndpoint == "" {
		return nil, ErrDisabled
	}
	scheme := "http"
	if cfg.UseSSL {
		scheme = "https"
	}
	if strings.Contains(trimmedEndpoint, "://") {
		if parsed, err := url.Parse(trimmedEndpoint); err == nil {
			trimmedEndpoint = parsed.Host
		}
	}
	baseURL := &url.URL{Scheme: scheme, Host: trimmedEndpoint}
	if baseURL.Host == "" {
		return nil, fmt.Errorf("blob: invalid endpoint %q", cfg.Endpoint)
	}
	return &s3Client{
		cfg:        cfg,
		endpoint:   baseURL,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
	}, nil
}

func (c *s3Client) Put(ctx context.Context, key, contentType string, body []byte) (string, error) {
	finalKey := c.applyPrefix(key)
	target := c.objectURL(finalKey)
	request, err := http.NewRequestWithContext(ctx, http.MethodPut, target.String(), bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("blob: create upload request: %w", err)
	}
	if contentType != "" {
		request.Header.Set("Content-Type", contentType)
	}
	if err := c.signRequest(request, hashSHA256Hex(body)); err != nil {
		return "", err
	}
	response, err := c.httpClient.Do(request)
	if err != nil {
		return "", fmt.Errorf("%w: upload %s: %v", ErrUnreachable, finalKey, err)
	}
	defer closeBody(response)
	if err := classifyStatus(response.StatusCode, "upload "+finalKey); err != nil {
		return "", err
	}
	return c.publicURL(finalKey), nil
}

func (c *s3Client) Get(ctx context.Context, key string) ([]byte, error) {
	finalKey := c.applyPrefix(key)
	target := c.objectURL(finalKey)
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("blob: create download request: %w", err)
	}
	if err := c.signRequest(request, emptyPayloadHash); err != nil {
		return nil, err
	}
	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("%w: download %s: %v", ErrUnreachable, finalKey, err)
	}
	defer closeBody(response)
	if err := classifyStatus(response.StatusCode, "download "+finalKey); err != nil {
		return nil, err
	}
	body, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrUnreachable, finalKey, err)
	}
	return body, nil
}

func (c *s3Client) Exists(ctx context.Context, key string) (bool, error) {
	finalKey := c.applyPrefix(key)
	target := c.objectURL(finalKey)
	request, err := http.NewRequestWithContext(ctx, http.MethodHead, target.String(), nil)
	if err != nil {
		return false, fmt.Errorf("blob: create head request: %w", err)
	}
	if err := c.signRequest(request, emptyPayloadHash); err != nil {
		return false, err
	}
	response, err := c.httpClient.Do(request)
	if err != nil {
		return false, fmt.Errorf("%w: head %s: %v", ErrUnreachable, finalKey, err)
	}
	defer closeBody(response)
	if response.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if err := classifyStatus(response.StatusCode, "head "+finalKey); err != nil {
		return false, err
	}
	return true, nil
}

func (c *s3Client) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	finalPrefix := c.applyPrefix(prefix)
	if finalPrefix != "" && !strings.HasSuffix(finalPrefix, "/") {
		finalPrefix += "/"
	}
	removed := 0
	token := ""
	for {
		keys, next, err := c.listPage(ctx, finalPrefix, token)
		if err != nil {
			return removed, err
		}
		for start := 0; start < len(keys); start += c.cfg.BatchDeleteSize {
			end := start + c.cfg.BatchDeleteSize
			if end > len(keys) {
				end = len(keys)
			}
			count, err := c.deleteBatch(ctx, keys[start:end])
			removed += count
			if err != nil {
				return removed, err
			}
		}
		if next == "" {
			return removed, nil
		}
		token = next
	}
}

type listBucketResult struct {
	Contents []struct {
		Key string `xml:"Key"`
	} `xml:"Contents"`
	IsTruncated           bool   `xml:"IsTruncated"`
	NextContinuationToken string `xml:"NextContinuationToken"`
}

func (c *s3Client) listPage(ctx context.Context, prefix, token string) ([]string, string, error) {
	target := c.bucketURL()
	query := url.Values{}
	query.Set("list-type", "2")
	query.Set("prefix", prefix)
	if token != "" {
		query.Set("continuation-token", token)
	}
	target.RawQuery = query.Encode()
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, "", fmt.Errorf("blob: create list request: %w", err)
	}
	if err := c.signRequest(request, emptyPayloadHash); err != nil {
		return nil, "", err
	}
	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, "", fmt.Errorf("%w: list %s: %v", ErrUnreachable, prefix, err)
	}
	defer closeBody(response)
	if err := classifyStatus(response.StatusCode, "list "+prefix); err != nil {
		return nil, "", err
	}
	var result listBucketResult
	if err := xml.NewDecoder(response.Body).Decode(&result); err != nil {
		return nil, "", fmt.Errorf("blob: decode list response: %w", err)
	}
	keys := make([]string, 0, len(result.Contents))
	for _, object := range result.Contents {
		keys = append(keys, object.Key)
	}
	next := ""
	if result.IsTruncated {
		next = result.NextContinuationToken
	}
	return keys, next, nil
}

type multiDelete struct {
	XMLName xml.Name            `xml:"Delete"`
	Objects []multiDeleteObject `xml:"Object"`
}

type multiDeleteObject struct {
	Key string `xml:"Key"`
}

type multiDeleteResult struct {
	Deleted []struct {
		Key string `xml:"Key"`
	} `xml:"Deleted"`
	Errors []struct {
		Key     string `xml:"Key"`
		Code    string `xml:"Code"`
		Message string `xml:"Message"`
	} `xml:"Error"`
}

func (c *s3Client) deleteBatch(ctx context.Context, keys []string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	payload := multiDelete{Objects: make([]multiDeleteObject, 0, len(keys))}
	for _, key := range keys {
		payload.Objects = append(payload.Objects, multiDeleteObject{Key: key})
	}
	body, err := xml.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("blob: encode delete batch: %w", err)
	}
	target := c.bucketURL()
	target.RawQuery = "delete="
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("blob: create delete request: %w", err)
	}
	request.Header.Set("Content-Type", "application/xml")
	digest := md5.Sum(body)
	request.Header.Set("Content-MD5", base64.StdEncoding.EncodeToString(digest[:]))
	if err := c.signRequest(request, hashSHA256Hex(body)); err != nil {
		return 0, err
	}
	response, err := c.httpClient.Do(request)
	if err != nil {
		return 0, fmt.Errorf("%w: delete batch: %v", ErrUnreachable, err)
	}
	defer closeBody(response)
	if err := classifyStatus(response.StatusCode, "delete batch"); err != nil {
		return 0, err
	}
	var result multiDeleteResult
	if err := xml.NewDecoder(response.Body).Decode(&result); err != nil {
		return 0, fmt.Errorf("blob: decode delete response: %w", err)
	}
	if len(result.Errors) > 0 {
		first := result.Errors[0]
		return len(result.Deleted), fmt.Errorf("blob: delete %s: %s %s", first.Key, first.Code, first.Message)
	}
	return len(result.Deleted), nil
}

func (c *s3Client) applyPrefix(key string) string {
	trimmed := strings.TrimLeft(strings.TrimSpace(key), "/")
	prefix := strings.Trim(strings.TrimSpace(c.cfg.Prefix), "/")
	if prefix == "" {
		return trimmed
	}
	if trimmed == "" {
		return prefix
	}
	if trimmed == prefix || strings.HasPrefix(trimmed, prefix+"/") {
		return trimmed
	}
	return prefix + "/" + trimmed
}

func (c *s3Client) bucketURL() *url.URL {
	u := *c.endpoint
	basePath := strings.TrimRight(c.endpoint.Path, "/")
	u.Path = basePath + "/" + strings.TrimLeft(c.cfg.Bucket, "/")
	return &u
}

func (c *s3Client) objectURL(finalKey string) *url.URL {
	u := c.bucketURL()
	if trimmed := strings.TrimLeft(finalKey, "/"); trimmed != "" {
		u.Path += "/" + trimmed
	}
	return u
}

func (c *s3Client) publicURL(key string) string {
	base := strings.TrimRight(strings.TrimSpace(c.cfg.PublicEndpoint), "/")
	trimmedKey := strings.TrimLeft(key, "/")
	if base == "" {
		u := c.objectURL(key)
		return u.String()
	}
	if trimmedKey == "" {
		return base
	}
	return base + "/" + trimmedKey
}

func classifyStatus(status int, op string) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, op)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: %s: status %d", ErrPermissionDenied, op, status)
	default:
		return fmt.Errorf("%w: %s: status %d", ErrUnreachable, op, status)
	}
}

func closeBody(response *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(response.Body, 4096))
	_ = response.Body.Close()
}
