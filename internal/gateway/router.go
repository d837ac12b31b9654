package gateway

import (
	"net/http"
	"sort"
	"strings"

	"github.com/gorilla/mux"

	"github.com/lumen-commerce/commerce_layer/internal/errors"
	"github.com/lumen-commerce/commerce_layer/internal/httputil"
	"github.com/lumen-commerce/commerce_layer/internal/middleware"
)

// Router registers routes for one surface behind its pipeline.
type Router struct {
	pipeline *Pipeline
	router   *mux.Router
	paths    *mux.Router
	methods  map[string][]string
	handler  http.Handler
}

// NewRouter creates a router serving the pipeline's surface.
func NewRouter(p *Pipeline) *Router {
	rt := &Router{
		pipeline: p,
		router:   mux.NewRouter(),
		paths:    mux.NewRouter(),
		methods:  make(map[string][]string),
	}

	surface := string(p.surface)
	instrument := middleware.MetricsMiddleware(surface, p.metrics)
	rt.router.Use(instrument)
	rt.router.NotFoundHandler = instrument(http.HandlerFunc(rt.notFound))
	rt.router.MethodNotAllowedHandler = instrument(http.HandlerFunc(rt.methodNotAllowed))

	tracing := middleware.NewTracingMiddleware(p.logger, surface)
	rt.handler = tracing.Handler(rt.router)
	return rt
}

// Handle registers h for method and path with the surface defaults adjusted
// by opts. The first registration of a path also answers CORS preflight.
func (rt *Router) Handle(method, path string, h HandlerFunc, opts ...Option) {
	spec := BuildPolicy(rt.pipeline.surface, method, opts...)
	route := method + " " + path

	if _, seen := rt.methods[path]; !seen {
		rt.paths.Path(path)
		rt.router.Handle(path, http.HandlerFunc(rt.preflight)).Methods(http.MethodOptions)
		rt.methods[path] = []string{http.MethodOptions}
	}
	rt.methods[path] = append(rt.methods[path], method)

	rt.router.Handle(path, rt.pipeline.Wrap(route, spec, h)).Methods(method)
}

// Mount registers a handler outside the pipeline, such as a health probe.
func (rt *Router) Mount(path string, h http.Handler, methods ...string) {
	rt.router.Handle(path, h).Methods(methods...)
}

// ServeHTTP implements http.Handler.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rt.handler.ServeHTTP(w, r)
}

func (rt *Router) preflight(w http.ResponseWriter, r *http.Request) {
	rc := rt.pipeline.begin(w, r)
	origin := r.Header.Get("Origin")
	echo, err := rt.pipeline.origins.Check(origin, true)
	if err != nil {
		rt.pipeline.reject(w, r, rc, "preflight", err)
		return
	}
	if echo {
		middleware.ApplyPreflight(w.Header(), origin)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (rt *Router) notFound(w http.ResponseWriter, r *http.Request) {
	rc := rt.pipeline.begin(w, r)
	rt.pipeline.reject(w, r, rc, "route", errors.NotFound(""))
}

func (rt *Router) methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	rc := rt.pipeline.begin(w, r)
	if allow := rt.allowedMethods(r); allow != "" {
		w.Header().Set("Allow", allow)
	}
	rt.pipeline.reject(w, r, rc, "route", errors.MethodNotAllowed(r.Method))
}

func (rt *Router) allowedMethods(r *http.Request) string {
	var match mux.RouteMatch
	if !rt.paths.Match(r, &match) || match.Route == nil {
		return ""
	}
	tmpl, err := match.Route.GetPathTemplate()
	if err != nil {
		return ""
	}
	methods := append([]string(nil), rt.methods[tmpl]...)
	sort.Strings(methods)
	return strings.Join(methods, ", ")
}

// WriteSuccess renders {ok:true, ...payload}.
func WriteSuccess(w http.ResponseWriter, status int, payload map[string]interface{}) error {
	httputil.WriteSuccess(w, status, payload)
	return nil
}
