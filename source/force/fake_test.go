package force

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"
)

var soqlPattern = regexp.MustCompile(`^SELECT Name FROM (\w+) WHERE Id = '(\w+)' LIMIT 1$`)

// fakeOrg serves the REST, SOAP, OAuth and CometD endpoints of one org
type fakeOrg struct {
	mu sync.Mutex

	accessToken string
	names       map[string]string // "<type>:<id>" -> Name
	queries     []string

	handshakes    int
	subscribes    []message
	pending       []message
	connectFail   string
	connectStatus int
}

func newFakeOrg() *fakeOrg {
	return &fakeOrg{
		accessToken: "tok",
		names:       map[string]string{},
	}
}

func (f *fakeOrg) handler(instanceURL func() string) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/services/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if r.Form.Get("grant_type") != "refresh_token" || r.Form.Get("refresh_token") != "refresh" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"expired access/refresh token"}`))
			return
		}
		f.mu.Lock()
		token := f.accessToken
		f.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"access_token": token,
			"instance_url": instanceURL(),
			"token_type":   "Bearer",
		})
	})

	mux.HandleFunc("/services/Soap/u/45.0", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "text/xml")
		if !strings.Contains(string(body), "<n1:password>secret&amp;1</n1:password>") {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?><soapenv:Envelope xmlns:soapenv="http://schemas.xmlsoap.org/soap/envelope/"><soapenv:Body><soapenv:Fault><faultcode>INVALID_LOGIN</faultcode><faultstring>INVALID_LOGIN: Invalid username, password, security token; or user locked out.</faultstring></soapenv:Fault></soapenv:Body></soapenv:Envelope>`))
			return
		}
		fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?><soapenv:Envelope xmlns:soapenv="http://schemas.xmlsoap.org/soap/envelope/" xmlns="urn:partner.soap.sforce.com"><soapenv:Body><loginResponse><result><serverUrl>%s/services/Soap/u/45.0/00D000000000001</serverUrl><sessionId>%s</sessionId><userId>005U1</userId></result></loginResponse></soapenv:Body></soapenv:Envelope>`, instanceURL(), f.accessToken)
	})

	mux.HandleFunc("/services/oauth2/userinfo", f.authorized(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{
			"user_id":            "005U1",
			"preferred_username": "ada@example.com",
			"organization_id":    "00D000000000001",
		})
	}))

	mux.HandleFunc("/services/data/v45.0/query", f.authorized(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		f.mu.Lock()
		f.queries = append(f.queries, q)
		f.mu.Unlock()

		match := soqlPattern.FindStringSubmatch(q)
		if match == nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		entity, id := match[1], match[2]

		f.mu.Lock()
		name, ok := f.names[entity+":"+id]
		f.mu.Unlock()

		records := []map[string]any{}
		if ok {
			records = append(records, map[string]any{"attributes": map[string]string{"type": entity}, "Name": name})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"totalSize": len(records), "done": true, "records": records})
	}))

	mux.HandleFunc("/cometd/45.0", f.authorized(f.serveBayeux))
	return mux
}

func (f *fakeOrg) authorized(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		token := f.accessToken
		f.mu.Unlock()

		if r.Header.Get("Authorization") != "Bearer "+token {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`[{"message":"Session expired or invalid","errorCode":"INVALID_SESSION_ID"}]`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		h(w, r)
	}
}

func (f *fakeOrg) serveBayeux(w http.ResponseWriter, r *http.Request) {
	var msgs []message
	if err := json.NewDecoder(r.Body).Decode(&msgs); err != nil || len(msgs) == 0 {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	m := msgs[0]

	f.mu.Lock()
	var replies []message
	switch m.Channel {
	case channelHandshake:
		f.handshakes++
		replies = []message{{Channel: channelHandshake, Successful: true, ClientID: fmt.Sprintf("client-%d", f.handshakes), Version: "1.0"}}
	case channelSubscribe:
		f.subscribes = append(f.subscribes, m)
		replies = []message{{Channel: channelSubscribe, Successful: true, Subscription: m.Subscription, ClientID: m.ClientID}}
	case channelConnect:
		if status := f.connectStatus; status != 0 {
			f.connectStatus = 0
			f.mu.Unlock()
			w.WriteHeader(status)
			return
		}
		if reason := f.connectFail; reason != "" {
			f.connectFail = ""
			replies = []message{{Channel: channelConnect, Successful: false, Error: reason, Advice: &advice{Reconnect: "handshake"}}}
			break
		}
		replies = append(f.pending, message{Channel: channelConnect, Successful: true, Advice: &advice{Reconnect: "retry", Timeout: 110000}})
		f.pending = nil
		if len(replies) == 1 {
			f.mu.Unlock()
			time.Sleep(20 * time.Millisecond)
			f.mu.Lock()
		}
	}
	f.mu.Unlock()

	_ = json.NewEncoder(w).Encode(replies)
}

// push queues a change event for the next connect reply
func (f *fakeOrg) push(topic string, replayID int64, entity string) {
	data, _ := json.Marshal(map[string]any{
		"schema": "schema-1",
		"payload": map[string]any{
			"ChangeEventHeader": map[string]any{
				"entityName": entity,
				"recordIds":  []string{"001R1"},
				"changeType": "UPDATE",
				"commitUser": "005U1",
			},
			"Name": "Acme",
		},
		"event": map[string]any{"replayId": replayID},
	})

	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = append(f.pending, message{Channel: topic, Data: data})
}

// subscribeReplay returns the replay ext of the n-th subscribe for topic, or nil
func (f *fakeOrg) subscribeReplay(n int, topic string) any {
	f.mu.Lock()
	defer f.mu.Unlock()

	if n >= len(f.subscribes) {
		return nil
	}
	replay, ok := f.subscribes[n].Ext["replay"].(map[string]any)
	if !ok {
		return nil
	}
	return replay[topic]
}

func (f *fakeOrg) subscribeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subscribes)
}

func (f *fakeOrg) lastQuery() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queries) == 0 {
		return ""
	}
	return f.queries[len(f.queries)-1]
}
