package main

import (
	"context"
	"net/http"
	"sync"
	"time"

	"goa.design/clue/debug"
	"goa.design/clue/log"
	goahttp "goa.design/goa/v3/http"

	"canvass.dev/canvass/api"
)

// handleHTTPServer mounts the runtime routes on a goa muxer and runs
// the HTTP server until ctx is canceled.
func handleHTTPServer(ctx context.Context, addr string, srv *api.Server, wg *sync.WaitGroup, errc chan error, dbg bool) {
	mux := goahttp.NewMuxer()
	if dbg {
		// Mount pprof handlers for memory profiling under /debug/pprof.
		debug.MountPprofHandlers(debug.Adapt(mux))
		// Mount /debug endpoint to enable or disable debug logs at runtime.
		debug.MountDebugLogEnabler(debug.Adapt(mux))
	}
	srv.Mount(mux)

	var handler http.Handler = mux
	if dbg {
		handler = debug.HTTP()(handler)
	}
	handler = log.HTTP(ctx)(handler)

	hs := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 60 * time.Second}

	wg.Add(1)
	go func() {
		defer wg.Done()

		go func() {
			log.Printf(ctx, "HTTP server listening on %q", addr)
			errc <- hs.ListenAndServe()
		}()

		<-ctx.Done()
		log.Printf(ctx, "shutting down HTTP server at %q", addr)

		sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := hs.Shutdown(sctx); err != nil {
			log.Printf(ctx, "failed to shutdown: %v", err)
		}
	}()
}
