// Command coapd is a minimal demo CoAP server exposing two
// resources: GET /time (a plain text response) and an observable
// GET /temp (pushes a notification every five seconds to whoever
// subscribed with the OBSERVE option). Grounded in the teacher's
// ListenAndServe call convention.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	coap "github.com/gocoap/endpoint"
	"github.com/gocoap/endpoint/metrics"
)

func main() {
	addr := flag.String("addr", fmt.Sprintf(":%d", coap.DefaultPort), "UDP address to listen on")
	metricsAddr := flag.String("metrics-addr", ":9090", "HTTP address to serve /metrics on")
	verbose := flag.Bool("v", false, "enable beego/logs-backed debug logging")
	flag.Parse()

	coap.Debug(*verbose)

	handler := coap.ServerHandlerFunc(func(req *coap.Request) *coap.Response {
		switch req.PathString() {
		case "time":
			resp, err := coap.NewResponseTo(req, ackTypeFor(req), coap.Content)
			if err != nil {
				return nil
			}
			resp.SetOption(coap.ContentFormat, coap.TextPlain)
			resp.Payload = []byte(time.Now().UTC().Format(time.RFC3339))
			return resp
		case "temp":
			resp, err := coap.NewResponseTo(req, ackTypeFor(req), coap.Content)
			if err != nil {
				return nil
			}
			resp.SetOption(coap.ContentFormat, coap.TextPlain)
			resp.Payload = []byte(strconv.Itoa(21))
			return resp
		default:
			resp, err := coap.NewResponseTo(req, ackTypeFor(req), coap.NotFound)
			if err != nil {
				return nil
			}
			return resp
		}
	})

	server, err := coap.NewServer(*addr, handler)
	if err != nil {
		panic(err)
	}

	collector := metrics.NewCollector()
	collector.Register("coapd", server)
	reg := prometheus.NewRegistry()
	reg.MustRegister(collector)

	go func() {
		notifyValue := uint32(0)
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			notifyValue++
			server.Notify("temp", []byte(strconv.Itoa(20+int(notifyValue%5))), coap.TextPlain, notifyValue)
		}
	}()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		_ = http.ListenAndServe(*metricsAddr, mux)
	}()

	if err := server.Serve(); err != nil {
		panic(err)
	}
}

// ackTypeFor answers a confirmable request with a piggybacked ACK and
// a non-confirmable request in kind.
func ackTypeFor(req *coap.Request) coap.CType {
	if req.Type == coap.Confirmable {
		return coap.Acknowledgement
	}
	return coap.NonConfirmable
}
