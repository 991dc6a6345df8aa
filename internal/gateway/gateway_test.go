package gateway

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/toothpick/billing/internal/methods"
	"github.com/toothpick/billing/internal/platform/httpx"
)

type fakeProvider struct {
	kind  methods.Type
	kinds []methods.Type
}

func (f fakeProvider) Kind() methods.Type { return f.kind }
func (f fakeProvider) Create(context.Context, Charge) (Dispatch, error) {
	return Dispatch{}, nil
}
func (f fakeProvider) Verify(context.Context, Verification) (Outcome, error) {
	return Outcome{}, nil
}
func (f fakeProvider) Refund(context.Context, RefundOrder) (RefundReceipt, error) {
	return RefundReceipt{}, nil
}

type multiProvider struct{ fakeProvider }

func (m multiProvider) Kinds() []methods.Type { return m.kinds }

func TestRegistryResolvesKinds(t *testing.T) {
	bank := multiProvider{fakeProvider{kind: methods.TypeBankTransfer, kinds: []methods.Type{methods.TypeBankTransfer, methods.TypeSPEI, methods.TypePIX, methods.TypeSWIFT}}}
	reg := NewRegistry(fakeProvider{kind: methods.TypeStripe}, bank, nil)

	p, err := reg.For(methods.TypeSPEI)
	require.NoError(t, err)
	require.Equal(t, methods.TypeBankTransfer, p.Kind())

	_, err = reg.For(methods.TypePayPal)
	require.True(t, errors.Is(err, ErrUnsupportedMethod))
	require.True(t, errors.Is(err, httpx.ErrUnprocessable))

	require.Equal(t, []methods.Type{"bank_transfer", "pix", "spei", "stripe", "swift"}, reg.Types())
}

func TestUpstreamWraps(t *testing.T) {
	cause := errors.New("boom")
	err := Upstream("paypal", cause)
	require.True(t, errors.Is(err, httpx.ErrUpstream))
	require.True(t, errors.Is(err, cause))
	require.Nil(t, Upstream("paypal", nil))
}
