package evolution

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"mime"
	"net/http"
	"regexp"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cast"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	base64Pattern      = regexp.MustCompile(`^[A-Za-z0-9+/=]+$`)
	pairingCodePattern = regexp.MustCompile(`^[A-Za-z0-9]{4,12}$`)
)

const minBareBase64Len = 100

type ruleTarget int

const (
	targetQR ruleTarget = iota
	targetPairing
	// targetCode is a field the provider uses for both a pairing code and
	// a raw QR payload; the value decides.
	targetCode
)

type extractRule struct {
	path   []string
	target ruleTarget
}

// artifactRules is searched top to bottom; the first hit per target wins.
var artifactRules = []extractRule{
	{path: []string{"qrcode"}, target: targetQR},
	{path: []string{"base64"}, target: targetQR},
	{path: []string{"pairingCode"}, target: targetPairing},
	{path: []string{"code"}, target: targetCode},

	{path: []string{"response", "qrcode"}, target: targetQR},
	{path: []string{"response", "base64"}, target: targetQR},
	{path: []string{"response", "pairingCode"}, target: targetPairing},
	{path: []string{"response", "code"}, target: targetCode},

	{path: []string{"data", "qrcode"}, target: targetQR},
	{path: []string{"data", "base64"}, target: targetQR},
	{path: []string{"data", "pairingCode"}, target: targetPairing},
	{path: []string{"data", "code"}, target: targetCode},

	{path: []string{"qrcode", "base64"}, target: targetQR},
	{path: []string{"qrcode", "code"}, target: targetCode},
	{path: []string{"qrcode", "pairingCode"}, target: targetPairing},

	{path: []string{"pairingCode", "code"}, target: targetPairing},
}

var instanceNamePaths = [][]string{
	{"instance", "instanceName"},
	{"instanceName"},
	{"name"},
}

var stateScopes = [][]string{
	{"instance"},
	{"data", "instance"},
	{},
	{"data"},
}

var stateKeys = []string{"state", "status", "connectionState", "connectionStatus"}

var instanceTokenPaths = [][]string{
	{"data", "token"},
	{"hash", "apikey"},
	{"hash"},
	{"token"},
	{"instance", "token"},
	{"data", "hash"},
}

var messageIDPaths = [][]string{
	{"key", "id"},
	{"data", "key", "id"},
	{"id"},
	{"messageId"},
	{"data", "id"},
}

var messageStatusPaths = [][]string{
	{"status"},
	{"data", "status"},
}

type bodyKind int

const (
	bodyJSON bodyKind = iota
	bodyImage
	bodyHTML
	bodyBase64
	bodyOther
)

// classify inspects the content type first and the body second.
func classify(resp *Response) (bodyKind, string, interface{}) {
	mediaType, _, err := mime.ParseMediaType(resp.ContentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(strings.SplitN(resp.ContentType, ";", 2)[0]))
	}
	switch {
	case strings.HasPrefix(mediaType, "image/"):
		return bodyImage, mediaType, nil
	case mediaType == "text/html":
		return bodyHTML, mediaType, nil
	}

	trimmed := bytes.TrimSpace(resp.Body)
	if len(trimmed) > 0 {
		var doc interface{}
		if err := jsonAPI.Unmarshal(trimmed, &doc); err == nil {
			switch doc.(type) {
			case map[string]interface{}, []interface{}:
				return bodyJSON, mediaType, doc
			}
		}
		if len(trimmed) > minBareBase64Len && base64Pattern.Match(trimmed) {
			return bodyBase64, mediaType, string(trimmed)
		}
		if bytes.HasPrefix(bytes.ToLower(trimmed), []byte("<!doctype html")) || bytes.HasPrefix(bytes.ToLower(trimmed), []byte("<html")) {
			return bodyHTML, mediaType, nil
		}
	}
	return bodyOther, mediaType, nil
}

// failure converts a non-2xx response into a ProviderError when the body
// is structured JSON, otherwise into a soft failure.
func failure(resp *Response) error {
	kind, _, doc := classify(resp)
	if kind != bodyJSON {
		return inconclusive("status %d with non-json body", resp.Status)
	}
	perr := &ProviderError{Status: resp.Status, Body: truncate(string(resp.Body), 512)}
	if m, ok := doc.(map[string]interface{}); ok {
		var body struct {
			Error    string      `mapstructure:"error"`
			Message  interface{} `mapstructure:"message"`
			Response struct {
				Message interface{} `mapstructure:"message"`
			} `mapstructure:"response"`
		}
		_ = mapstructure.WeakDecode(m, &body)
		switch {
		case messageText(body.Response.Message) != "":
			perr.Message = messageText(body.Response.Message)
		case messageText(body.Message) != "":
			perr.Message = messageText(body.Message)
		default:
			perr.Message = body.Error
		}
	}
	return perr
}

func messageText(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case []interface{}:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			if s := messageText(item); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "; ")
	case map[string]interface{}:
		return messageText(t["message"])
	default:
		return cast.ToString(t)
	}
}

// normalizeArtifact extracts a PairingArtifact from a connect response.
func normalizeArtifact(resp *Response, instanceName string) (*PairingArtifact, error) {
	if !resp.ok() {
		return nil, failure(resp)
	}
	kind, mediaType, doc := classify(resp)
	switch kind {
	case bodyImage:
		if len(resp.Body) == 0 {
			return nil, inconclusive("empty image body")
		}
		sub := "png"
		if mediaType == "image/jpeg" || mediaType == "image/jpg" {
			sub = "jpeg"
		}
		return &PairingArtifact{
			QRCode: fmt.Sprintf("data:image/%s;base64,%s", sub, base64.StdEncoding.EncodeToString(resp.Body)),
		}, nil
	case bodyHTML:
		return nil, inconclusive("html page")
	case bodyBase64:
		return &PairingArtifact{QRCode: qrDataURL(doc.(string))}, nil
	case bodyJSON:
		node, ok := selectInstance(doc, instanceName)
		if !ok {
			return nil, inconclusive("instance %q not in list", instanceName)
		}
		artifact := extractArtifact(node)
		if artifact.Empty() {
			return nil, inconclusive("no pairing fields")
		}
		return &artifact, nil
	default:
		return nil, inconclusive("unrecognized body")
	}
}

func extractArtifact(node interface{}) PairingArtifact {
	var artifact PairingArtifact
	for _, rule := range artifactRules {
		if artifact.QRCode != "" && artifact.PairingCode != "" {
			break
		}
		v := lookupString(node, rule.path...)
		if v == "" {
			continue
		}
		target := rule.target
		if target == targetCode {
			switch {
			case looksLikePairingCode(v):
				target = targetPairing
			case looksLikeQR(v):
				target = targetQR
			default:
				continue
			}
		}
		switch target {
		case targetQR:
			if artifact.QRCode == "" {
				artifact.QRCode = qrDataURL(v)
			}
		case targetPairing:
			if artifact.PairingCode == "" {
				artifact.PairingCode = FormatPairingCode(v)
			}
		}
	}
	return artifact
}

// FormatPairingCode inserts a hyphen in the middle of an eight character
// code. Other lengths are returned unchanged.
func FormatPairingCode(code string) string {
	code = strings.TrimSpace(code)
	if len(code) != 8 {
		return code
	}
	return code[:4] + "-" + code[4:]
}

func looksLikePairingCode(v string) bool {
	return pairingCodePattern.MatchString(strings.ReplaceAll(v, "-", ""))
}

func looksLikeQR(v string) bool {
	if strings.HasPrefix(v, "data:image/") {
		return true
	}
	return len(v) > minBareBase64Len && base64Pattern.MatchString(v)
}

func qrDataURL(v string) string {
	if strings.HasPrefix(v, "data:") {
		return v
	}
	return "data:image/png;base64," + v
}

// selectInstance returns the list element whose name equals name exactly,
// or the document itself when it is not a list. Names are case-sensitive.
func selectInstance(doc interface{}, name string) (interface{}, bool) {
	list, ok := doc.([]interface{})
	if !ok {
		return doc, true
	}
	for _, item := range list {
		for _, p := range instanceNamePaths {
			if n := lookupString(item, p...); n == name {
				return item, true
			}
		}
	}
	return nil, false
}

// normalizeState extracts a ConnectionState from a status response.
func normalizeState(resp *Response, instanceName string) (ConnectionState, error) {
	if !resp.ok() {
		return "", failure(resp)
	}
	kind, _, doc := classify(resp)
	if kind != bodyJSON {
		return "", inconclusive("status body is not json")
	}
	node, ok := selectInstance(doc, instanceName)
	if !ok {
		return "", inconclusive("instance %q not in list", instanceName)
	}
	raw, found := extractStateValue(node)
	if !found {
		return "", inconclusive("no state field")
	}
	return ParseConnectionState(raw), nil
}

func extractStateValue(node interface{}) (string, bool) {
	for _, scope := range stateScopes {
		for _, key := range stateKeys {
			path := append(append([]string{}, scope...), key)
			if v := lookupString(node, path...); v != "" {
				return v, true
			}
		}
	}
	return "", false
}

// normalizeCreate accepts any 2xx answer that is not an html page and
// picks up the instance token and pairing material when present.
func normalizeCreate(resp *Response, instanceName string) (*CreateResult, error) {
	if !resp.ok() {
		return nil, failure(resp)
	}
	result := &CreateResult{InstanceName: instanceName}
	kind, _, doc := classify(resp)
	switch kind {
	case bodyHTML:
		return nil, inconclusive("html page")
	case bodyJSON:
		for _, p := range instanceTokenPaths {
			if token := lookupString(doc, p...); token != "" {
				result.InstanceToken = token
				break
			}
		}
		if artifact := extractArtifact(doc); !artifact.Empty() {
			result.Pairing = &artifact
		}
		return result, nil
	case bodyOther:
		if len(bytes.TrimSpace(resp.Body)) == 0 {
			return result, nil
		}
		return nil, inconclusive("unrecognized create body")
	default:
		return nil, inconclusive("unexpected create body")
	}
}

// normalizeSend builds a SendAck from a message-send response.
func normalizeSend(resp *Response) (*SendAck, error) {
	if !resp.ok() {
		return nil, failure(resp)
	}
	kind, _, doc := classify(resp)
	switch kind {
	case bodyHTML, bodyImage:
		return nil, inconclusive("unexpected send body")
	case bodyJSON:
		ack := &SendAck{}
		for _, p := range messageIDPaths {
			if id := lookupString(doc, p...); id != "" {
				ack.MessageID = id
				break
			}
		}
		for _, p := range messageStatusPaths {
			if st := lookupString(doc, p...); st != "" {
				ack.Status = st
				break
			}
		}
		return ack, nil
	default:
		return &SendAck{}, nil
	}
}

// normalizeDelete treats 404 as a soft failure so the remaining candidates
// are still tried; the caller decides whether every candidate said 404.
func normalizeDelete(resp *Response) error {
	if resp.Status == http.StatusNotFound {
		return inconclusive("instance not found")
	}
	if !resp.ok() {
		return failure(resp)
	}
	if kind, _, _ := classify(resp); kind == bodyHTML {
		return inconclusive("html page")
	}
	return nil
}

// lookupString walks nested objects and returns a scalar value as a string.
// Objects and lists yield "".
func lookupString(node interface{}, path ...string) string {
	cur := node
	for _, key := range path {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return ""
		}
		cur, ok = m[key]
		if !ok {
			return ""
		}
	}
	switch v := cur.(type) {
	case string:
		return strings.TrimSpace(v)
	case float64, int, int64:
		return cast.ToString(v)
	default:
		return ""
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
