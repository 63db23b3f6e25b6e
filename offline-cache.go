package offlinecache

import (
	"crypto/tls"
	"database/sql"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/queue"
	cachekey "github.com/always-cache/offline-cache/pkg/cache-key"
	cacheupdate "github.com/always-cache/offline-cache/pkg/cache-update"
	classifier "github.com/always-cache/offline-cache/pkg/request-classifier"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultPartitionPrefix     = "site"
	DefaultOfflineFallback     = "/offline.html"
	DefaultMaintenanceInterval = 10 * time.Minute
)

type Config struct {
	// Storage for partitions and cache entries.
	Cache cache.CacheProvider
	// Persisted deferred actions.
	// If nil and Cache exposes its database, a queue is created in the same database.
	Queue *queue.Queue
	// Retry policy of the queue created when Queue is nil.
	Retry queue.RetryPolicy
	// URL of the origin server.
	// Origins with paths are not supparted.
	OriginURL url.URL
	// Hostname to use for HTTP requests and TLS negotiation.
	// Use if needed if e.g. the origin URL is just an IP address.
	OriginHost string
	// Transport used for network fetches. Defaults to http.DefaultTransport.
	Transport http.RoundTripper
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
	// Build tag of the current deployment. Partitions of other generations
	// are deleted on activation.
	Generation string
	// Prefix of all partition names owned by this layer.
	PartitionPrefix string
	// TTL and eviction cap per partition class. Missing classes use the defaults.
	Partitions cache.Table
	// Request classification rules. Defaults to classifier.DefaultRules.
	Rules classifier.Rules
	// Resources pre-populated into the static partition on install.
	Manifest []string
	// Document served for navigations that fail on both network and cache.
	OfflineFallback string
	// Interval of the exhaustive eviction pass. Negative disables it.
	MaintenanceInterval time.Duration
	// Clock used for timestamps and staleness. Defaults to time.Now.
	Now func() time.Time
}

// Layer intercepts GET requests and answers them from the cache,
// the network or both, depending on the request class.
type Layer struct {
	cache               cache.CacheProvider
	queue               *queue.Queue
	keyer               cachekey.Keyer
	rules               classifier.Rules
	table               cache.Table
	prefix              string
	generation          string
	manifest            []string
	offlineFallback     string
	maintenanceInterval time.Duration
	now                 func() time.Time
	log                 zerolog.Logger

	transport    http.RoundTripper
	director     func(*http.Request)
	reverseproxy httputil.ReverseProxy

	state      atomic.Int32
	flight     singleflight.Group
	evictMutex sync.Mutex
	background sync.WaitGroup
	stop       chan struct{}
	stopOnce   sync.Once
}

// CreateLayer initializes the layer in the installing state.
// Requests bypass the cache until Activate (or Start) has run.
func CreateLayer(config Config) (*Layer, error) {
	if config.Cache == nil {
		return nil, fmt.Errorf("cache provider is required")
	}
	if config.Generation == "" {
		return nil, fmt.Errorf("generation is required")
	}
	if err := config.Partitions.Validate(); err != nil {
		return nil, err
	}

	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}

	// create a child logger and add defaults
	logger = logger.With().
		Str("origin", config.OriginURL.String()).
		Str("generation", config.Generation).
		Logger()

	origin := config.OriginURL
	l := &Layer{
		cache:               config.Cache,
		queue:               config.Queue,
		keyer:               cachekey.NewKeyer(&origin),
		rules:               config.Rules,
		table:               config.Partitions,
		prefix:              config.PartitionPrefix,
		generation:          config.Generation,
		offlineFallback:     config.OfflineFallback,
		maintenanceInterval: config.MaintenanceInterval,
		now:                 config.Now,
		log:                 logger,
		stop:                make(chan struct{}),
	}
	if l.rules == nil {
		l.rules = classifier.DefaultRules(classifier.Options{})
	}
	if l.table == nil {
		l.table = cache.DefaultTable(0)
	}
	if l.prefix == "" {
		l.prefix = DefaultPartitionPrefix
	}
	if l.offlineFallback == "" {
		l.offlineFallback = DefaultOfflineFallback
	}
	if l.maintenanceInterval == 0 {
		l.maintenanceInterval = DefaultMaintenanceInterval
	}
	if l.now == nil {
		l.now = time.Now
	}
	l.manifest = withFallback(config.Manifest, l.offlineFallback)

	if l.queue == nil {
		if withDB, ok := config.Cache.(interface{ DB() *sql.DB }); ok {
			q, err := queue.New(withDB.DB(), config.Retry)
			if err != nil {
				return nil, err
			}
			l.queue = q
		} else {
			l.log.Warn().Msg("No deferred queue available, failed document fetches will not be retried")
		}
	}

	host := config.OriginURL.Host
	hostHeader := host
	transport := config.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	if config.OriginHost != "" {
		hostHeader = config.OriginHost
		if config.Transport == nil {
			transport = &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				TLSClientConfig: &tls.Config{
					ServerName: config.OriginHost,
				},
			}
		}
	}
	l.transport = transport
	l.director = createDirector(config.OriginURL.Scheme, host, hostHeader)
	l.reverseproxy = httputil.ReverseProxy{
		Director:     l.director,
		Transport:    l,
		ErrorHandler: l.proxyError,
	}
	l.state.Store(int32(StateInstalling))

	return l, nil
}

// RoundTrip implements the http.RoundTripper interface.
// GET requests are answered according to their class once the layer is active,
// everything else goes to the network untouched.
func (l *Layer) RoundTrip(req *http.Request) (*http.Response, error) {
	label, intercept := l.rules.Classify(req)
	if !intercept || l.State() != StateActive {
		l.log.Trace().Str("method", req.Method).Str("url", req.URL.String()).Msg("Bypassing layer")
		res, err := l.transport.RoundTrip(req)
		if err == nil && !intercept && l.State() == StateActive {
			l.saveUpdates(cacheupdate.Updates(req, res))
		}
		return res, err
	}
	res, cs, err := l.handle(req, label)
	l.logRequest(req, label, cs, err)
	if err != nil {
		return nil, err
	}
	res.Request = req
	cs.apply(res)
	return res, nil
}

// ServeHTTP implements the http.Handler interface.
// It proxies to the origin with the layer as transport.
func (l *Layer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	l.reverseproxy.ServeHTTP(w, r)
}

func (l *Layer) proxyError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusBadGateway
	if IsNotFound(err) || IsNetworkUnavailable(err) {
		status = http.StatusGatewayTimeout
	}
	l.log.Warn().Err(err).Str("url", r.URL.String()).Int("status", status).Msg("Could not serve request")
	w.WriteHeader(status)
}

// Manifest returns the partitions of the current generation.
func (l *Layer) Manifest() []PartitionInfo {
	infos := make([]PartitionInfo, 0, len(cache.Classes))
	for _, class := range cache.Classes {
		infos = append(infos, PartitionInfo{
			Name:       l.partitionName(class),
			Class:      class,
			Generation: l.generation,
		})
	}
	return infos
}

// PartitionInfo names one partition of a generation.
type PartitionInfo struct {
	Name       string               `json:"name"`
	Class      cache.PartitionClass `json:"class"`
	Generation string               `json:"generation"`
}

func (l *Layer) partitionName(class cache.PartitionClass) string {
	return cache.PartitionName(l.prefix, class, l.generation)
}

// newRequest creates a GET request for a reference relative to the origin.
func (l *Layer) newRequest(ref string) (*http.Request, error) {
	u, err := l.keyer.Resolve(ref)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	l.director(req)
	return req, nil
}

// goBackground runs fn in a goroutine tracked by Close.
func (l *Layer) goBackground(fn func()) {
	l.background.Add(1)
	go func() {
		defer l.background.Done()
		fn()
	}()
}

func createDirector(scheme, host, hostHeader string) func(req *http.Request) {
	return func(req *http.Request) {
		req.URL.Scheme = scheme
		req.URL.Host = host
		if hostHeader != "" {
			req.Host = hostHeader
		}
	}
}

func withFallback(manifest []string, fallback string) []string {
	for _, ref := range manifest {
		if ref == fallback {
			return manifest
		}
	}
	return append(append([]string{}, manifest...), fallback)
}

func (l *Layer) logRequest(r *http.Request, label classifier.Label, cs CacheStatus, err error) {
	isHit := 0
	if cs.Status == CacheStatusHit {
		isHit = 1
	}
	event := l.log.Debug()
	if err != nil {
		event = l.log.Warn().Err(err)
	}
	event.
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("sourceIp", getRequestSourceIp(r)).
		Str("label", string(label)).
		Str("strategy", string(StrategyFor(label))).
		Str("status", string(cs.Status)).
		Str("fwd", string(cs.FwdReason)).
		Bool("stored", cs.Stored).
		Int("ttl", cs.TimeToLive).
		Int("hit", isHit).
		Msg("Sending response to client")
}

func getRequestSourceIp(r *http.Request) string {
	// RemoteAddr is in the format:
	// 1.2.3.4:10000 for ipv4
	// [1:2:3]:10000 for ipv6
	// outbound client requests have none
	ipAndPort := r.RemoteAddr
	portSepIdx := strings.LastIndex(ipAndPort, ":")
	// if not found, return
	if portSepIdx < 0 {
		return ipAndPort
	}
	ip := ipAndPort[:portSepIdx]
	return ip
}
