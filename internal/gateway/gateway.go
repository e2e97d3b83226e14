package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/palisade/palisade/internal/config"
	"github.com/palisade/palisade/internal/engine"
	"github.com/palisade/palisade/internal/field"
	"github.com/palisade/palisade/internal/logging"
	"github.com/palisade/palisade/internal/observability"
	"github.com/palisade/palisade/internal/phases"
	"github.com/palisade/palisade/internal/ratelimit"
	"github.com/palisade/palisade/internal/rulelog"
	"github.com/palisade/palisade/internal/rules"
	"github.com/palisade/palisade/internal/waferr"
)

const upstreamTimeout = 30 * time.Second

var errBodyTooLarge = errors.New("request body exceeds the inspection limit")

// epoch is one loaded configuration generation: contexts resolved, routes
// ordered, proxies built. A reload builds a fresh epoch and swaps the
// pointer; in-flight requests finish on the epoch they started with.
type epoch struct {
	cfg      *config.Config
	contexts *config.Contexts
	router   *Router
	proxies  map[string]*httputil.ReverseProxy
	limiter  *ratelimit.Limiter

	defaultUpstream string

	parts     rulelog.Part
	filter    rulelog.Filter
	blockFlag rules.TxFlag
	detect    bool
}

// Gateway is the inspecting reverse proxy. Every request runs the phase
// pipeline against the site's rule context; in enforce mode the transaction
// controller doubles as the engine's block-report capability.
type Gateway struct {
	log     *zap.Logger
	reg     *rules.Registries
	engine  *engine.Engine
	metrics *observability.Metrics

	decisionLog *logging.DecisionLogger

	current atomic.Pointer[epoch]
}

func New(cfg *config.Config, reg *rules.Registries, logger *zap.Logger) (*Gateway, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	g := &Gateway{
		log:    logger.Named("gateway"),
		reg:    reg,
		engine: engine.New(logger),
	}
	ep, err := g.buildEpoch(cfg)
	if err != nil {
		return nil, err
	}
	g.current.Store(ep)
	return g, nil
}

func (g *Gateway) SetDecisionLogger(logger *logging.DecisionLogger) {
	g.decisionLog = logger
}

func (g *Gateway) SetMetrics(metrics *observability.Metrics) {
	g.metrics = metrics
}

func (g *Gateway) buildEpoch(cfg *config.Config) (*epoch, error) {
	contexts, err := config.BuildContexts(cfg, g.reg, g.log)
	if err != nil {
		return nil, err
	}

	router, err := NewRouter(cfg)
	if err != nil {
		return nil, err
	}

	upstreams := make(map[string]*url.URL, len(cfg.Upstreams))
	for _, upstream := range cfg.Upstreams {
		parsed, err := url.Parse(upstream.URL)
		if err != nil {
			return nil, fmt.Errorf("parse upstream %s: %w", upstream.Name, err)
		}
		upstreams[upstream.Name] = parsed
	}

	transport := newTransport(upstreamTimeout)
	proxies := make(map[string]*httputil.ReverseProxy, len(upstreams))
	for name, target := range upstreams {
		proxy := httputil.NewSingleHostReverseProxy(target)
		proxy.Transport = transport
		proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
			var maxErr *http.MaxBytesError
			switch {
			case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
				http.Error(w, "upstream timeout", http.StatusGatewayTimeout)
			case errors.As(err, &maxErr):
				http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			default:
				http.Error(w, "upstream error", http.StatusBadGateway)
			}
		}
		proxies[name] = proxy
	}

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.NewLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	}

	parts, filter := cfg.Engine.ExecLog.Resolve()

	ep := &epoch{
		cfg:       cfg,
		contexts:  contexts,
		router:    router,
		proxies:   proxies,
		limiter:   limiter,
		parts:     parts,
		filter:    filter,
		blockFlag: cfg.Engine.BlockFlag(),
		detect:    cfg.Engine.Mode == config.ModeDetect,
	}
	if len(cfg.Upstreams) > 0 {
		ep.defaultUpstream = cfg.Upstreams[0].Name
	}
	return ep, nil
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ep := g.current.Load()
	start := time.Now()

	route, _ := ep.router.Match(r)
	upstream := route.Upstream
	if upstream == "" {
		upstream = ep.defaultUpstream
	}
	proxy := ep.proxies[upstream]
	if proxy == nil {
		http.Error(w, "no upstream", http.StatusBadGateway)
		return
	}
	rctx := ep.contexts.Context(route.SiteID)

	decision := logging.Decision{
		Timestamp: time.Now().UTC(),
		Site:      route.SiteID,
		ClientIP:  clientIP(r),
		Host:      r.Host,
		Method:    r.Method,
		Path:      r.URL.Path,
		Query:     r.URL.RawQuery,
		Upstream:  upstream,
	}

	// The rate limit protects the proxy itself, so it holds in detect mode
	// too.
	if ep.limiter != nil {
		key := ratelimitKey(ep.cfg.RateLimit.Key, decision.ClientIP, r.URL.Path)
		if !ep.limiter.Allow(key) {
			status := rateLimitStatus(ep.cfg.RateLimit.StatusCode)
			decision.RateLimited = true
			decision.Disposition = logging.DispositionBlock
			decision.StatusCode = status
			decision.DurationMS = time.Since(start).Milliseconds()
			g.record(decision)
			http.Error(w, "rate limit exceeded", status)
			return
		}
	}

	ctl := &txController{w: w}
	tx, err := g.newTx(ep, rctx, ctl)
	if err != nil {
		g.log.Error("open transaction", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	decision.TxID = tx.ID

	upstreamMS := g.transact(ep, rctx, tx, ctl, &decision, r, func(rec http.ResponseWriter) {
		proxy.ServeHTTP(rec, r)
	})
	g.finish(tx, &decision, ctl, start, upstreamMS)
}

// UpstreamResponse is a recorded origin response replayed through the
// response phases by the inspect command.
type UpstreamResponse struct {
	Status int
	Header http.Header
	Body   []byte
}

// Evaluate runs one request through the full phase pipeline without
// touching the network. The decision reports what the gateway would have
// done; nothing is written anywhere.
func (g *Gateway) Evaluate(r *http.Request, resp *UpstreamResponse) logging.Decision {
	ep := g.current.Load()
	start := time.Now()

	route, _ := ep.router.Match(r)
	upstream := route.Upstream
	if upstream == "" {
		upstream = ep.defaultUpstream
	}
	rctx := ep.contexts.Context(route.SiteID)

	decision := logging.Decision{
		Timestamp: time.Now().UTC(),
		Site:      route.SiteID,
		ClientIP:  clientIP(r),
		Host:      r.Host,
		Method:    r.Method,
		Path:      r.URL.Path,
		Query:     r.URL.RawQuery,
		Upstream:  upstream,
	}

	// The block response goes into a throwaway buffer; only the controller
	// state feeds the decision.
	ctl := &txController{w: newResponseRecorder()}
	tx, err := g.newTx(ep, rctx, ctl)
	if err != nil {
		g.log.Error("open transaction", zap.Error(err))
		return decision
	}
	decision.TxID = tx.ID

	var fetch func(http.ResponseWriter)
	if resp != nil {
		fetch = func(rec http.ResponseWriter) {
			header := rec.Header()
			for name, values := range resp.Header {
				header[name] = values
			}
			status := resp.Status
			if status == 0 {
				status = http.StatusOK
			}
			rec.WriteHeader(status)
			_, _ = rec.Write(resp.Body)
		}
	}
	g.transact(ep, rctx, tx, ctl, &decision, r, fetch)
	g.finish(tx, &decision, ctl, start, 0)
	return decision
}

func (g *Gateway) newTx(ep *epoch, rctx *rules.Context, srv rules.Server) (*rules.Tx, error) {
	cfg := rules.TxConfig{
		Logger:      g.log,
		BlockStatus: ep.cfg.Engine.BlockStatus,
		BlockMode:   ep.blockFlag,
	}
	// In detect mode the engine runs without a block-report capability, so
	// every block stays advisory.
	if !ep.detect {
		cfg.Server = srv
	}
	tx, err := rules.NewTx(rctx, cfg)
	if err != nil {
		return nil, err
	}
	tx.Trace = rulelog.NewTx(tx.ID, ep.parts, ep.filter, g.log)
	return tx, nil
}

// transact walks the phase pipeline for one transaction. fetch produces the
// upstream response once the request phases pass; nil means there is no
// origin to call. Returns the upstream latency in milliseconds.
func (g *Gateway) transact(ep *epoch, rctx *rules.Context, tx *rules.Tx, ctl *txController, dec *logging.Decision, r *http.Request, fetch func(http.ResponseWriter)) int64 {
	populateRequestVars(tx, r, dec.ClientIP)

	g.runPhase(tx, dec, phases.RequestHeader, false)
	if !ctl.sent && hasRules(rctx, phases.StreamRequestHeader) {
		_ = tx.Vars.Set(field.String("STREAM_REQUEST_HEADERS", renderHeaders(r.Header)))
		g.runPhase(tx, dec, phases.StreamRequestHeader, true)
	}

	var body []byte
	if !ctl.sent && hasRules(rctx, phases.RequestBody, phases.StreamRequestBody) {
		var err error
		body, err = bufferRequestBody(r, ep.cfg.Engine.MaxBodyBytes)
		if err != nil {
			ctl.deny(http.StatusRequestEntityTooLarge, "request body too large")
			return 0
		}
		if len(body) > 0 {
			_ = tx.Vars.Set(field.String("REQUEST_BODY", string(body)))
			if form := formValues(r, body); len(form) > 0 {
				_ = tx.Vars.Set(requestArgs(r, form))
			}
		}
	}
	if !ctl.sent {
		g.runPhase(tx, dec, phases.RequestBody, false)
	}
	if !ctl.sent && len(body) > 0 && hasRules(rctx, phases.StreamRequestBody) {
		_ = tx.Vars.Set(field.String("STREAM_REQUEST_BODY", string(body)))
		g.runPhase(tx, dec, phases.StreamRequestBody, true)
	}
	if ctl.sent || fetch == nil {
		return 0
	}

	rec := newResponseRecorder()
	upstreamStart := time.Now()
	fetch(rec)
	upstreamMS := time.Since(upstreamStart).Milliseconds()

	_ = tx.Vars.Set(field.String("RESPONSE_STATUS", strconv.Itoa(rec.StatusCode())))
	respHeaders := field.List("RESPONSE_HEADERS")
	for name, values := range rec.header {
		for _, value := range values {
			_ = respHeaders.Append(field.String(name, value))
		}
	}
	_ = tx.Vars.Set(respHeaders)
	if rec.body.Len() > 0 {
		_ = tx.Vars.Set(field.String("RESPONSE_BODY", rec.body.String()))
	}

	g.runPhase(tx, dec, phases.ResponseHeader, false)
	if !ctl.sent && hasRules(rctx, phases.StreamResponseHeader) {
		_ = tx.Vars.Set(field.String("STREAM_RESPONSE_HEADERS", renderHeaders(rec.header)))
		g.runPhase(tx, dec, phases.StreamResponseHeader, true)
	}
	if !ctl.sent {
		g.runPhase(tx, dec, phases.ResponseBody, false)
	}
	if !ctl.sent && rec.body.Len() > 0 && hasRules(rctx, phases.StreamResponseBody) {
		_ = tx.Vars.Set(field.String("STREAM_RESPONSE_BODY", rec.body.String()))
		g.runPhase(tx, dec, phases.StreamResponseBody, true)
	}

	ctl.flush(rec)
	return upstreamMS
}

// finish always runs postprocess, closes the trace, and records the
// decision.
func (g *Gateway) finish(tx *rules.Tx, dec *logging.Decision, ctl *txController, start time.Time, upstreamMS int64) {
	g.runPhase(tx, dec, phases.Postprocess, false)
	tx.Trace.End()

	dec.StatusCode = ctl.status
	dec.Disposition = disposition(tx, ctl.blocked)
	dec.Events = eventRecords(tx.Events)
	dec.DurationMS = time.Since(start).Milliseconds()
	dec.UpstreamMS = upstreamMS
	g.record(*dec)
}

func (g *Gateway) runPhase(tx *rules.Tx, dec *logging.Decision, p phases.ID, stream bool) {
	start := time.Now()
	var err error
	if stream {
		err = g.engine.RunStream(tx, p)
	} else {
		err = g.engine.RunPhase(tx, p)
	}
	if err != nil {
		g.log.Error("phase failed",
			zap.String("tx", tx.ID),
			zap.Stringer("phase", p),
			zap.Error(err),
		)
		return
	}
	g.metrics.ObservePhase(p.String(), time.Since(start))
	dec.Phases = append(dec.Phases, p.String())
}

func (g *Gateway) record(decision logging.Decision) {
	if g.decisionLog != nil {
		if err := g.decisionLog.Write(decision); err != nil {
			g.log.Warn("decision log write failed", zap.Error(err))
		}
	}
	g.metrics.Observe(decision)
}

// txController owns the client-facing response writer for one transaction.
// Exactly one of a block response or the buffered upstream response goes
// through it.
type txController struct {
	w       http.ResponseWriter
	sent    bool
	blocked bool
	status  int
}

// ReportBlock writes the transaction's block status and a plain error body.
// A second report, or one arriving after the response went out, is
// declined.
func (c *txController) ReportBlock(tx *rules.Tx) error {
	if c.sent {
		return fmt.Errorf("%w: response already sent", waferr.ErrDeclined)
	}
	c.deny(tx.BlockStatus, http.StatusText(tx.BlockStatus))
	return nil
}

func (c *txController) deny(status int, body string) {
	c.sent = true
	c.blocked = true
	c.status = status
	http.Error(c.w, body, status)
}

// flush releases the buffered upstream response. A no-op when a block
// already used the writer.
func (c *txController) flush(rec *responseRecorder) {
	if c.sent {
		return
	}
	c.sent = true
	c.status = rec.StatusCode()

	header := c.w.Header()
	for name, values := range rec.header {
		header[name] = values
	}
	c.w.WriteHeader(rec.StatusCode())
	_, _ = c.w.Write(rec.body.Bytes())
}

// disposition classifies how the transaction ended. A block that was
// actually written wins; block flags without an enforced response mean the
// engine wanted to block but nothing was sent.
func disposition(tx *rules.Tx, blocked bool) string {
	switch {
	case blocked:
		return logging.DispositionBlock
	case tx.Blocking():
		return logging.DispositionDetect
	default:
		return logging.DispositionAllow
	}
}

// populateRequestVars publishes the request into the transaction var store.
// List-valued vars keep one member per occurrence so selectors see every
// value.
func populateRequestVars(tx *rules.Tx, r *http.Request, clientAddr string) {
	_ = tx.Vars.Set(field.String("REQUEST_METHOD", r.Method))
	_ = tx.Vars.Set(field.String("REQUEST_URI", r.URL.RequestURI()))
	raw := r.RequestURI
	if raw == "" {
		raw = r.URL.RequestURI()
	}
	_ = tx.Vars.Set(field.String("REQUEST_URI_RAW", raw))
	_ = tx.Vars.Set(field.String("QUERY_STRING", r.URL.RawQuery))
	_ = tx.Vars.Set(field.String("REQUEST_PROTOCOL", r.Proto))
	_ = tx.Vars.Set(field.String("REQUEST_HOST", r.Host))
	_ = tx.Vars.Set(field.String("REMOTE_ADDR", clientAddr))

	headers := field.List("REQUEST_HEADERS")
	for name, values := range r.Header {
		for _, value := range values {
			_ = headers.Append(field.String(name, value))
		}
	}
	_ = tx.Vars.Set(headers)

	cookies := field.List("REQUEST_COOKIES")
	for _, c := range r.Cookies() {
		_ = cookies.Append(field.String(c.Name, c.Value))
	}
	_ = tx.Vars.Set(cookies)

	_ = tx.Vars.Set(requestArgs(r, nil))
}

// requestArgs merges query parameters and decoded form fields into ARGS.
func requestArgs(r *http.Request, form url.Values) *field.Value {
	args := field.List("ARGS")
	for name, values := range r.URL.Query() {
		for _, value := range values {
			_ = args.Append(field.String(name, value))
		}
	}
	for name, values := range form {
		for _, value := range values {
			_ = args.Append(field.String(name, value))
		}
	}
	return args
}

// formValues decodes url-encoded form bodies for the ARGS collection.
func formValues(r *http.Request, body []byte) url.Values {
	ct := strings.ToLower(r.Header.Get("Content-Type"))
	if !strings.Contains(ct, "application/x-www-form-urlencoded") {
		return nil
	}
	form, err := url.ParseQuery(string(body))
	if err != nil {
		return nil
	}
	return form
}

// renderHeaders flattens headers into the line form the header stream
// phases inspect.
func renderHeaders(h http.Header) string {
	var b strings.Builder
	for name, values := range h {
		for _, value := range values {
			b.WriteString(name)
			b.WriteString(": ")
			b.WriteString(value)
			b.WriteString("\n")
		}
	}
	return b.String()
}

// bufferRequestBody reads the whole request body so the body phases can see
// it, then rewinds it for the proxy. Bodies over max are refused.
func bufferRequestBody(r *http.Request, max int64) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	reader := io.Reader(r.Body)
	if max > 0 {
		if r.ContentLength > max {
			return nil, errBodyTooLarge
		}
		reader = io.LimitReader(r.Body, max+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	if max > 0 && int64(len(body)) > max {
		return nil, errBodyTooLarge
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	r.ContentLength = int64(len(body))
	return body, nil
}

func hasRules(rctx *rules.Context, ids ...phases.ID) bool {
	for _, id := range ids {
		if len(rctx.PhaseRules(id)) > 0 {
			return true
		}
	}
	return false
}

func eventRecords(events []rules.Event) []logging.RuleEvent {
	if len(events) == 0 {
		return nil
	}
	out := make([]logging.RuleEvent, len(events))
	for i, ev := range events {
		out[i] = logging.RuleEvent{
			RuleID:     ev.RuleID,
			Kind:       string(ev.Kind),
			Msg:        ev.Msg,
			Data:       ev.Data,
			Tags:       append([]string(nil), ev.Tags...),
			Severity:   ev.Severity,
			Confidence: ev.Confidence,
		}
	}
	return out
}

func rateLimitStatus(code int) int {
	if code <= 0 {
		return http.StatusTooManyRequests
	}
	return code
}

func ratelimitKey(mode string, ip string, path string) string {
	switch mode {
	case string(ratelimit.KeyIPPath):
		return ip + "|" + path
	case string(ratelimit.KeyIP):
		fallthrough
	default:
		return ip
	}
}

func clientIP(r *http.Request) string {
	if r == nil {
		return ""
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return host
	}
	return r.RemoteAddr
}

func newTransport(timeout time.Duration) *http.Transport {
	dialer := &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   timeout,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: timeout,
	}
}
