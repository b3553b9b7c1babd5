package uri

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFormatParseRoundtrip(t *testing.T) {
	u := URI{
		Topic:      "abcd1234",
		Version:    2,
		PublicKey:  "deadbeef",
		Controller: true,
		Relay:      Relay{Protocol: "irn"},
	}
	s, err := Format(u)
	require.NoError(t, err)
	require.Equal(t, "wc:abcd1234@2?controller=true&publicKey=deadbeef&relay=%7B%22protocol%22%3A%22irn%22%7D", s)

	parsed, err := Parse(s)
	require.NoError(t, err)
	require.Equal(t, u, parsed)

	reformatted, err := Format(parsed)
	require.NoError(t, err)
	require.Equal(t, s, reformatted)
}

func TestParseRejectsMalformed(t *testing.T) {
	cases := []string{
		"",
		"wc:",
		"wc:topiconly",
		"wc:topic@2",
		"wc:topic@notanumber?controller=true&publicKey=ab&relay=%7B%7D",
		"wc:@2?controller=true&publicKey=ab&relay=%7B%7D",
		"wc:topic@2?controller=true&relay=%7B%7D",
		"wc:topic@2?controller=notabool&publicKey=ab&relay=%7B%7D",
		"wc:topic@2?controller=true&publicKey=ab",
		"wc:topic@2?controller=true&publicKey=ab&relay=notjson",
	}
	for _, c := range cases {
		_, err := Parse(c)
		require.Errorf(t, err, "expected error for %q", c)
	}
}
