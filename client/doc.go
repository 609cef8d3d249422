// Package client dials wsbridge endpoints. Dial retries failed handshakes
// with exponential backoff, except for rejections with a 4xx status, which
// no retry can fix.
package client
