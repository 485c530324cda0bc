package proto

import (
	"bytes"
	"testing"

	"tradenet/internal/testutil"
)

func FuzzDecodeFrame(f *testing.F) {
	f.Add([]byte{0, 0, 0, 1, '{'})
	f.Add([]byte{0, 0, 0, 5, '{', '"', 't', '"', '}'})
	f.Fuzz(func(t *testing.T, data []byte) {
		data = testutil.CapBytes(data, testutil.DefaultMaxFuzzBytes)
		testutil.WithTimeout(t, testutil.DefaultFuzzTimeout, func() {
			_, _ = ReadFrameWithTypeCap(bytes.NewReader(data), SoftMaxFrameSize, TypeMaxSize)
		})
	})
}

func FuzzDecodeEnvelope(f *testing.F) {
	f.Add([]byte(`{"type":"get_data_req","message_version":1,"body":{"nonce":1}}`))
	f.Fuzz(func(t *testing.T, data []byte) {
		data = testutil.CapBytes(data, testutil.DefaultMaxFuzzBytes)
		testutil.WithTimeout(t, testutil.DefaultFuzzTimeout, func() {
			env, err := DecodeEnvelope(data)
			if err != nil {
				return
			}
			var req GetDataReq
			_ = env.DecodeBody(&req)
		})
	})
}

func FuzzDecodeTradeMessage(f *testing.F) {
	f.Add([]byte(`{"kind":"payout_tx_published","uid":"u","trade_id":"t","payout_published":{"payout":{"tx_id":"x"}}}`))
	f.Fuzz(func(t *testing.T, data []byte) {
		data = testutil.CapBytes(data, testutil.DefaultMaxFuzzBytes)
		testutil.WithTimeout(t, testutil.DefaultFuzzTimeout, func() {
			if m, err := DecodeTradeMessage(data); err == nil {
				_, _ = EncodeTradeMessage(m)
			}
		})
	})
}
