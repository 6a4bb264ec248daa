package swcache

import (
	"net/http/httptest"
	"testing"
)

func TestClassify(t *testing.T) {
	c := Classifier{ScopeHost: "app.test", APIPrefix: "/api/"}
	tests := []struct {
		name   string
		method string
		url    string
		header map[string]string
		want   Route
	}{
		{"post", "POST", "/api/scores", nil, Route{Class: ClassNonGET, Strategy: Bypass}},
		{"head", "HEAD", "/", nil, Route{Class: ClassNonGET, Strategy: Bypass}},
		{"cross origin", "GET", "http://cdn.test/lib.js", map[string]string{"Sec-Fetch-Dest": "script"}, Route{Class: ClassCrossOrigin, Strategy: Bypass}},
		{"same origin absolute", "GET", "http://APP.test/api/scores", nil, Route{Class: ClassAPI, Strategy: StaleWhileRevalidate, Partition: API}},
		{"api before destination", "GET", "/api/avatar", map[string]string{"Sec-Fetch-Dest": "image"}, Route{Class: ClassAPI, Strategy: StaleWhileRevalidate, Partition: API}},
		{"api prefix needs slash", "GET", "/apiary", nil, Route{Class: ClassOther, Strategy: NetworkFirst, Partition: Dynamic}},
		{"style", "GET", "/globals.css", map[string]string{"Sec-Fetch-Dest": "style"}, Route{Class: ClassStatic, Strategy: CacheFirst, Partition: Static}},
		{"script", "GET", "/app.js", map[string]string{"Sec-Fetch-Dest": "script"}, Route{Class: ClassStatic, Strategy: CacheFirst, Partition: Static}},
		{"image", "GET", "/icons/icon-192x192.png", map[string]string{"Sec-Fetch-Dest": "image"}, Route{Class: ClassStatic, Strategy: CacheFirst, Partition: Static}},
		{"font", "GET", "/fonts/a.woff2", map[string]string{"Sec-Fetch-Dest": "font"}, Route{Class: ClassStatic, Strategy: CacheFirst, Partition: Static}},
		{"navigation", "GET", "/scores", map[string]string{"Sec-Fetch-Mode": "navigate"}, Route{Class: ClassDocument, Strategy: NetworkFirst, Partition: Dynamic}},
		{"document", "GET", "/scores", map[string]string{"Sec-Fetch-Dest": "document"}, Route{Class: ClassDocument, Strategy: NetworkFirst, Partition: Dynamic}},
		{"other", "GET", "/data.json", nil, Route{Class: ClassOther, Strategy: NetworkFirst, Partition: Dynamic}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.url, nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			if got := c.Classify(req); got != tt.want {
				t.Fatalf("Classify() = %+v, want %+v", got, tt.want)
			}
		})
	}
}
