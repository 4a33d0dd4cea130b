package main

import (
	"testing"

	"github.com/Shubh4mPatel/MeetRub-Socket/pkg/notify"
)

func TestChannelFromSubject(t *testing.T) {
	cases := []struct {
		subject string
		want    notify.Channel
	}{
		{"notify.email.u1", notify.ChannelEmail},
		{"notify.inapp.u2", notify.ChannelInApp},
		{"notify.sms.u3", notify.Channel("sms")},
		{"notify.email", notify.Channel("unknown")},
		{"garbage", notify.Channel("unknown")},
	}
	for _, tc := range cases {
		if got := channelFromSubject(tc.subject); got != tc.want {
			t.Errorf("channelFromSubject(%q) = %q, want %q", tc.subject, got, tc.want)
		}
	}
}
