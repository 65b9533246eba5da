package httpapi

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"encoding/xml"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/chatrelay/internal/chatrelay"
)

const (
	wechatEventSubscribe   = "subscribe"
	wechatEventUnsubscribe = "unsubscribe"
)

// wechatInbound is the union of the payload fields WeChat sends for every
// MsgType; which ones are set depends on the type.
type wechatInbound struct {
	XMLName      xml.Name `xml:"xml"`
	ToUserName   string   `xml:"ToUserName"`
	FromUserName string   `xml:"FromUserName"`
	CreateTime   string   `xml:"CreateTime"`
	MsgType      string   `xml:"MsgType"`
	MsgID        string   `xml:"MsgId"`
	Content      string   `xml:"Content"`
	MediaID      string   `xml:"MediaId"`
	Format       string   `xml:"Format"`
	Recognition  string   `xml:"Recognition"`
	URL          string   `xml:"Url"`
	Title        string   `xml:"Title"`
	Description  string   `xml:"Description"`
	Event        string   `xml:"Event"`
}

type cdata struct {
	Value string `xml:",cdata"`
}

type wechatTextReply struct {
	XMLName      xml.Name `xml:"xml"`
	ToUserName   cdata    `xml:"ToUserName"`
	FromUserName cdata    `xml:"FromUserName"`
	CreateTime   int64    `xml:"CreateTime"`
	MsgType      cdata    `xml:"MsgType"`
	Content      cdata    `xml:"Content"`
}

func decodeWeChatInbound(body []byte) (wechatInbound, error) {
	var in wechatInbound
	if err := xml.Unmarshal(body, &in); err != nil {
		return wechatInbound{}, err
	}
	in.ToUserName = strings.TrimSpace(in.ToUserName)
	in.FromUserName = strings.TrimSpace(in.FromUserName)
	in.MsgType = strings.ToLower(strings.TrimSpace(in.MsgType))
	in.MsgID = strings.TrimSpace(in.MsgID)
	in.Event = strings.ToLower(strings.TrimSpace(in.Event))
	return in, nil
}

func (in wechatInbound) valid() bool {
	return in.ToUserName != "" && in.FromUserName != "" && in.MsgType != ""
}

func (in wechatInbound) receivedAt(now time.Time) time.Time {
	seconds, err := strconv.ParseInt(strings.TrimSpace(in.CreateTime), 10, 64)
	if err != nil || seconds <= 0 {
		return now
	}
	return time.Unix(seconds, 0).UTC()
}

// inboundMessage maps a conversational delivery onto the relay's input. The
// second result is false for kinds the relay does not answer.
func (in wechatInbound) inboundMessage(now time.Time) (chatrelay.InboundMessage, bool) {
	kind, ok := chatrelay.ParseMessageKind(in.MsgType)
	if !ok || kind == chatrelay.KindEvent {
		return chatrelay.InboundMessage{}, false
	}
	msg := chatrelay.InboundMessage{
		Sender:     in.FromUserName,
		Channel:    in.ToUserName,
		ExternalID: in.MsgID,
		Kind:       kind,
		ReceivedAt: in.receivedAt(now),
	}
	switch kind {
	case chatrelay.KindText:
		msg.Content = in.Content
	case chatrelay.KindVoice:
		msg.Content = in.Recognition
		msg.MediaID = strings.TrimSpace(in.MediaID)
		msg.Format = strings.TrimSpace(in.Format)
	case chatrelay.KindLink:
		msg.URL = strings.TrimSpace(in.URL)
		msg.Content = strings.TrimSpace(strings.TrimSpace(in.Title) + "\n" + msg.URL)
	}
	return msg, true
}

func (in wechatInbound) subscriptionEvent(now time.Time) (chatrelay.SubscriptionEvent, bool) {
	var event chatrelay.SubscriptionEventType
	switch in.Event {
	case wechatEventSubscribe:
		event = chatrelay.EventSubscribe
	case wechatEventUnsubscribe:
		event = chatrelay.EventUnsubscribe
	default:
		return chatrelay.SubscriptionEvent{}, false
	}
	return chatrelay.SubscriptionEvent{
		Sender:    in.FromUserName,
		Channel:   in.ToUserName,
		Event:     event,
		CreatedAt: in.receivedAt(now),
	}, true
}

// encodeWeChatText builds the passive text reply, swapping sender and
// recipient of the inbound delivery.
func encodeWeChatText(in wechatInbound, content string, now time.Time) ([]byte, error) {
	return xml.Marshal(wechatTextReply{
		ToUserName:   cdata{in.FromUserName},
		FromUserName: cdata{in.ToUserName},
		CreateTime:   now.Unix(),
		MsgType:      cdata{"text"},
		Content:      cdata{content},
	})
}

func wechatSignature(token, timestamp, nonce string) string {
	parts := []string{token, timestamp, nonce}
	sort.Strings(parts)
	sum := sha1.Sum([]byte(strings.Join(parts, "")))
	return hex.EncodeToString(sum[:])
}

func verifyWeChatSignature(token string, query url.Values) bool {
	signature := strings.ToLower(strings.TrimSpace(query.Get("signature")))
	if token == "" || signature == "" {
		return false
	}
	expected := wechatSignature(token, query.Get("timestamp"), query.Get("nonce"))
	return hmac.Equal([]byte(signature), []byte(expected))
}
