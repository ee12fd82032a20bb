package vm

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// depthHeader counts agent-originated hops; the engine refuses to fetch
// past maxAgentDepth to break request loops between agents.
const depthHeader = "X-Agent-Depth"

var httpClient = &http.Client{Timeout: 30 * time.Second}

func registerIOAtoms(r *Registry) {
	r.Register(&Atom{
		Op:        "httpFetch",
		Docs:      "HTTP request gated by the caller's domain allowlist; loopback only when no allowlist is set. A fetch capability, when installed, takes the request instead and the allowlist is not consulted.",
		Cost:      costIO,
		TimeoutMs: 30000,
		Fn:        httpFetchAtom,
	})

	r.Register(&Atom{
		Op:   "storeGet",
		Docs: "Read a key from the store capability.",
		Cost: costIO,
		Fn: func(c *Context, input map[string]any) (any, error) {
			store, ok := storeCap(c)
			if !ok {
				return nil, capabilityMissing("storeGet", "store")
			}
			key, rerr := resolveStringField(c, input["key"])
			if rerr != nil {
				return nil, rerr
			}
			return store.Get(c.Ctx(), key)
		},
	})

	r.Register(&Atom{
		Op:   "storeSet",
		Docs: "Write a key to the store capability.",
		Cost: costIO,
		Fn: func(c *Context, input map[string]any) (any, error) {
			store, ok := storeCap(c)
			if !ok {
				return nil, capabilityMissing("storeSet", "store")
			}
			key, rerr := resolveStringField(c, input["key"])
			if rerr != nil {
				return nil, rerr
			}
			v, rerr := resolveValue(c, input["value"])
			if rerr != nil {
				return nil, rerr
			}
			if err := store.Set(c.Ctx(), key, v); err != nil {
				return nil, err
			}
			return v, nil
		},
	})

	r.Register(&Atom{
		Op:   "storeQuery",
		Docs: "Query the store capability, when it supports querying.",
		Cost: costIO,
		Fn: func(c *Context, input map[string]any) (any, error) {
			raw, _ := c.Capability("store")
			q, ok := raw.(StoreQuerier)
			if !ok {
				return nil, capabilityMissing("storeQuery", "store.query")
			}
			query, rerr := resolveValue(c, input["query"])
			if rerr != nil {
				return nil, rerr
			}
			out, err := q.Query(c.Ctx(), query)
			if err != nil {
				return nil, err
			}
			return out, nil
		},
	})

	r.Register(&Atom{
		Op:   "storeVectorSearch",
		Docs: "Similarity search through the store capability; cost scales with k.",
		CostFn: func(input map[string]any, c *Context) float64 {
			k := 10.0
			if f, ok := toFloat(input["k"]); ok && f > 0 {
				k = f
			}
			return costIO + k*0.1
		},
		Fn: func(c *Context, input map[string]any) (any, error) {
			raw, _ := c.Capability("store")
			vs, ok := raw.(VectorSearcher)
			if !ok {
				return nil, capabilityMissing("storeVectorSearch", "store.vectorSearch")
			}
			collection, rerr := resolveStringField(c, input["collection"])
			if rerr != nil {
				return nil, rerr
			}
			vecRaw, rerr := resolveValue(c, input["vector"])
			if rerr != nil {
				return nil, rerr
			}
			arr, ok := asArray(vecRaw)
			if !ok {
				return nil, failf("storeVectorSearch", "Validation Error: vector must be an array of numbers")
			}
			vector := make([]float64, len(arr))
			for i, it := range arr {
				f, ok := toFloat(it)
				if !ok {
					return nil, failf("storeVectorSearch", "Validation Error: vector must be an array of numbers")
				}
				vector[i] = f
			}
			k := 10
			if f, ok := toFloat(input["k"]); ok && f > 0 {
				k = int(f)
			}
			filter, rerr := resolveValue(c, input["filter"])
			if rerr != nil {
				return nil, rerr
			}
			out, err := vs.VectorSearch(c.Ctx(), collection, vector, k, filter)
			if err != nil {
				return nil, err
			}
			return out, nil
		},
	})

	r.Register(&Atom{
		Op:   "llmPredict",
		Docs: "Run a completion through the llm capability.",
		Cost: 25,
		Fn: func(c *Context, input map[string]any) (any, error) {
			raw, ok := c.Capability("llm")
			if !ok {
				return nil, capabilityMissing("llmPredict", "llm")
			}
			llm, ok := raw.(LLMCapability)
			if !ok {
				return nil, capabilityMissing("llmPredict", "llm")
			}
			prompt, rerr := resolveStringField(c, input["prompt"])
			if rerr != nil {
				return nil, rerr
			}
			var options map[string]any
			if optRaw, present := input["options"]; present {
				resolved, rerr := resolveValue(c, optRaw)
				if rerr != nil {
					return nil, rerr
				}
				options, _ = asMap(resolved)
			}
			return llm.Predict(c.Ctx(), prompt, options)
		},
	})

	r.Register(&Atom{
		Op:   "llmEmbed",
		Docs: "Embed text through the llm capability.",
		Cost: 10,
		Fn: func(c *Context, input map[string]any) (any, error) {
			raw, _ := c.Capability("llm")
			emb, ok := raw.(LLMEmbedder)
			if !ok {
				return nil, capabilityMissing("llmEmbed", "llm.embed")
			}
			text, rerr := resolveStringField(c, input["text"])
			if rerr != nil {
				return nil, rerr
			}
			vec, err := emb.Embed(c.Ctx(), text)
			if err != nil {
				return nil, err
			}
			out := make([]any, len(vec))
			for i, f := range vec {
				out[i] = f
			}
			return out, nil
		},
	})

	r.Register(&Atom{
		Op:   "xmlParse",
		Docs: "Parse XML through the xml capability.",
		Cost: costIO,
		Fn: func(c *Context, input map[string]any) (any, error) {
			raw, ok := c.Capability("xml")
			if !ok {
				return nil, capabilityMissing("xmlParse", "xml")
			}
			parser, ok := raw.(XMLCapability)
			if !ok {
				return nil, capabilityMissing("xmlParse", "xml")
			}
			text, rerr := resolveStringField(c, input["value"])
			if rerr != nil {
				return nil, rerr
			}
			return parser.Parse(text)
		},
	})

	r.Register(&Atom{
		Op:   "agentRun",
		Docs: "Invoke a sub-agent: an inline AST, a stored procedure token, or an embedder agent id. The callee runs with the caller's context and capabilities.",
		Cost: costIO,
		Fn:   agentRunAtom,
	})

	r.Register(&Atom{
		Op:   "memoize",
		Docs: "Compute the body once per key within this run.",
		Cost: costData,
		Fn:   memoizeAtom,
	})

	r.Register(&Atom{
		Op:   "cache",
		Docs: "Compute the body once per key across runs, through the store capability with a soft TTL envelope.",
		Cost: costData,
		Fn:   cacheAtom,
	})
}

func storeCap(c *Context) (StoreCapability, bool) {
	raw, ok := c.Capability("store")
	if !ok {
		return nil, false
	}
	store, ok := raw.(StoreCapability)
	return store, ok
}

func httpFetchAtom(c *Context, input map[string]any) (any, error) {
	rawURL, rerr := resolveStringField(c, input["url"])
	if rerr != nil {
		return nil, rerr
	}
	method, rerr := resolveStringField(c, input["method"])
	if rerr != nil {
		return nil, rerr
	}
	if method == "" {
		method = http.MethodGet
	}
	method = strings.ToUpper(method)

	headers := map[string]string{}
	if hRaw, present := input["headers"]; present {
		resolved, rerr := resolveValue(c, hRaw)
		if rerr != nil {
			return nil, rerr
		}
		if m, ok := asMap(resolved); ok {
			for k, v := range m {
				headers[k] = valueToString(v)
			}
		}
	}
	body, rerr := resolveValue(c, input["body"])
	if rerr != nil {
		return nil, rerr
	}
	responseType, _ := input["responseType"].(string)

	// The depth guard runs before any request leaves the engine.
	depth := 0
	if meta := c.Meta(); meta != nil {
		depth = meta.RequestDepth
	}
	next := depth + 1
	if next > maxAgentDepth {
		return nil, depthExceeded("httpFetch", next)
	}
	headers[depthHeader] = strconv.Itoa(next)

	if raw, ok := c.Capability("fetch"); ok {
		if fetcher, ok := raw.(FetchCapability); ok {
			return fetcher.Fetch(c.Ctx(), rawURL, FetchOptions{
				Method:       method,
				Headers:      headers,
				Body:         body,
				ResponseType: responseType,
			})
		}
	}

	if rerr := checkFetchDomain(c, rawURL); rerr != nil {
		return nil, rerr
	}
	return defaultFetch(c, rawURL, method, headers, body, responseType)
}

// checkFetchDomain enforces the caller's fetch allowlist: exact matches and
// "*.domain" wildcards. Without an allowlist only loopback hosts pass.
func checkFetchDomain(c *Context, rawURL string) *RunError {
	host := hostOf(rawURL)
	if host == "" {
		return failf("httpFetch", "Validation Error: invalid url '%s'", rawURL)
	}
	meta := c.Meta()
	if meta == nil || meta.AllowedFetchDomains == nil {
		if isLoopbackHost(host) {
			return nil
		}
		return failf("httpFetch", "fetch to '%s' denied: no allowedFetchDomains configured; only loopback is permitted", host)
	}
	for _, allowed := range meta.AllowedFetchDomains {
		if domainMatches(host, allowed) {
			return nil
		}
	}
	return failf("httpFetch", "fetch to '%s' denied by allowedFetchDomains", host)
}

func hostOf(rawURL string) string {
	u := rawURL
	if i := strings.Index(u, "://"); i >= 0 {
		u = u[i+3:]
	}
	if i := strings.IndexAny(u, "/?#"); i >= 0 {
		u = u[:i]
	}
	if h, _, err := net.SplitHostPort(u); err == nil {
		return h
	}
	return u
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func domainMatches(host, pattern string) bool {
	if strings.EqualFold(host, pattern) {
		return true
	}
	if rest, ok := strings.CutPrefix(pattern, "*."); ok {
		return strings.EqualFold(host, rest) || strings.HasSuffix(strings.ToLower(host), "."+strings.ToLower(rest))
	}
	return false
}

func defaultFetch(c *Context, rawURL, method string, headers map[string]string, body any, responseType string) (any, error) {
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, failf("httpFetch", "Validation Error: unserialisable body: %s", err.Error())
		}
		reader = bytes.NewReader(data)
		if _, has := headers["Content-Type"]; !has {
			headers["Content-Type"] = "application/json"
		}
	}

	req, err := http.NewRequestWithContext(c.Ctx(), method, rawURL, reader)
	if err != nil {
		return nil, failf("httpFetch", "Validation Error: %s", err.Error())
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, failf("httpFetch", "fetch failed: %s", err.Error())
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, failf("httpFetch", "fetch failed: %s", err.Error())
	}

	contentType := resp.Header.Get("Content-Type")
	switch {
	case responseType == "dataUrl":
		mediaType := contentType
		if i := strings.Index(mediaType, ";"); i >= 0 {
			mediaType = mediaType[:i]
		}
		if mediaType == "" {
			mediaType = "application/octet-stream"
		}
		return "data:" + mediaType + ";base64," + base64.StdEncoding.EncodeToString(data), nil
	case responseType == "json" || strings.Contains(contentType, "application/json"):
		if !gjson.ValidBytes(data) {
			return nil, failf("httpFetch", "fetch returned invalid JSON from %s", hostOf(rawURL))
		}
		var out any
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, failf("httpFetch", "fetch returned invalid JSON from %s", hostOf(rawURL))
		}
		return out, nil
	default:
		return string(data), nil
	}
}

func agentRunAtom(c *Context, input map[string]any) (any, error) {
	inputVal, rerr := resolveValue(c, input["input"])
	if rerr != nil {
		return nil, rerr
	}

	// Embedder-registered agents go through the agent capability.
	if agentID, ok := input["agentId"].(string); ok && agentID != "" {
		raw, ok := c.Capability("agent")
		if !ok {
			return nil, capabilityMissing("agentRun", "agent")
		}
		agent, ok := raw.(AgentCapability)
		if !ok {
			return nil, capabilityMissing("agentRun", "agent")
		}
		return agent.RunAgent(c.Ctx(), agentID, inputVal)
	}

	if c.run.depth+1 > maxAgentDepth {
		return nil, depthExceeded("agentRun", c.run.depth+1)
	}

	var program any
	switch target := input["agent"].(type) {
	case string:
		entry, err := c.run.vm.procs.Get(target)
		if err != nil {
			return nil, failf("agentRun", "%s", err.Error())
		}
		program = entry.AST
	case map[string]any:
		program = target
	default:
		return nil, failf("agentRun", "Validation Error: agent must be an AST or procedure token")
	}

	args, _ := asMap(inputVal)

	// The callee runs with the caller's context and capabilities; whatever
	// the storer had at store time is irrelevant.
	res, err := c.run.vm.Run(c.Ctx(), program, args, RunOptions{
		Fuel:          c.run.fuel.Remaining(),
		Capabilities:  c.run.caps,
		Meta:          c.Meta(),
		CostOverrides: c.run.costOverrides,
		depth:         c.run.depth + 1,
	})
	if err != nil {
		return nil, err
	}
	c.run.fuel.Debit(res.FuelUsed)
	if res.Error != nil {
		return nil, res.Error
	}
	return res.Result, nil
}

func memoizeAtom(c *Context, input map[string]any) (any, error) {
	key, rerr := bodyKey(c, input)
	if rerr != nil {
		return nil, rerr
	}
	if c.run.memo == nil {
		c.run.memo = make(map[string]any)
	}
	if v, hit := c.run.memo[key]; hit {
		return v, nil
	}
	v, err := runBody(c, input)
	if err != nil {
		return nil, err
	}
	if c.Failed() {
		return nil, nil
	}
	c.run.memo[key] = v
	return v, nil
}

func cacheAtom(c *Context, input map[string]any) (any, error) {
	store, ok := storeCap(c)
	if !ok {
		return nil, capabilityMissing("cache", "store")
	}
	key, rerr := bodyKey(c, input)
	if rerr != nil {
		return nil, rerr
	}
	cacheKey := "cache:" + key

	now := float64(time.Now().UnixMilli())
	if cached, err := store.Get(c.Ctx(), cacheKey); err == nil && cached != nil {
		if envelope, ok := asMap(cached); ok {
			if exp, ok := toFloat(envelope["_exp"]); ok && exp > now {
				return envelope["val"], nil
			}
		}
	}

	v, err := runBody(c, input)
	if err != nil {
		return nil, err
	}
	if c.Failed() {
		return nil, nil
	}

	ttl := 24 * time.Hour
	if ms, ok := toFloat(input["ttlMs"]); ok && ms > 0 {
		ttl = time.Duration(ms) * time.Millisecond
	}
	envelope := map[string]any{
		"val":  v,
		"_exp": now + float64(ttl.Milliseconds()),
	}
	if err := store.Set(c.Ctx(), cacheKey, envelope); err != nil {
		return nil, err
	}
	return v, nil
}

// bodyKey derives the memo/cache key: explicit, or a hash of the body
// structure.
func bodyKey(c *Context, input map[string]any) (string, *RunError) {
	if raw, present := input["key"]; present {
		return resolveStringField(c, raw)
	}
	data, err := json.Marshal(input["steps"])
	if err != nil {
		return "", failf("memoize", "Validation Error: unserialisable steps: %s", err.Error())
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8]), nil
}

// runBody executes the body in a child scope, yielding the output slot when
// the body returned, the child's result binding otherwise.
func runBody(c *Context, input map[string]any) (any, error) {
	child := c.Child()
	if err := runSteps(child, stepList(input["steps"])); err != nil {
		return nil, err
	}
	if c.run.outputSet {
		return c.run.output, nil
	}
	if v, ok := child.scope.Local("result"); ok {
		return v, nil
	}
	return nil, nil
}
