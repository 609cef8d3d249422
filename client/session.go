package client

import (
	"net/http"

	"github.com/pkg/errors"
	"github.com/taskcluster/httpbackoff/v3"
	"github.com/taskcluster/wsbridge/util"
)

// StartSession opens an HTTP session on the bridge at baseURL and returns
// its cookies, ready to be sent with Dial through Config.Header. 5xx
// answers are retried following retry.
func StartSession(baseURL string, retry RetryConfig) ([]*http.Cookie, error) {
	httpClient := &http.Client{}
	hb := &httpbackoff.Client{BackOffSettings: retry.exponentialBackOff()}
	resp, attempts, err := hb.ClientPost(httpClient, util.JoinURL(baseURL, "/session"), "application/json", nil)
	if err != nil {
		return nil, errors.Wrapf(err, "could not start session after %d attempts", attempts)
	}
	defer resp.Body.Close()
	cookies := resp.Cookies()
	if len(cookies) == 0 {
		return nil, errors.New("no session cookie returned")
	}
	return cookies, nil
}

// SessionHeader returns a handshake header carrying cookies.
func SessionHeader(cookies []*http.Cookie) http.Header {
	r := &http.Request{Header: http.Header{}}
	for _, c := range cookies {
		r.AddCookie(c)
	}
	return r.Header
}
