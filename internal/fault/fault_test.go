package fault

import (
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindOfMarkedErrors(t *testing.T) {
	base := errors.New("boom")

	require.Equal(t, KindTransient, KindOf(Transient(base)))
	require.Equal(t, KindPermanent, KindOf(Permanent(base)))
	require.Equal(t, KindPermanent, KindOf(fmt.Errorf("wrapped: %w", Permanent(base))))
	require.ErrorIs(t, Permanent(base), base)
	require.Nil(t, Transient(nil))
	require.Nil(t, Permanent(nil))
}

func TestKindOfSMTPCodes(t *testing.T) {
	require.Equal(t, KindTransient, KindOf(&textproto.Error{Code: 421, Msg: "try later"}))
	require.Equal(t, KindTransient, KindOf(fmt.Errorf("smtp RCPT TO: %w", &textproto.Error{Code: 451})))
	require.Equal(t, KindPermanent, KindOf(fmt.Errorf("smtp auth: %w", &textproto.Error{Code: 535})))
	require.Equal(t, KindTransient, KindOf(errors.New("unknown")))
}

func TestAuthClassification(t *testing.T) {
	require.True(t, IsPermanent(Auth(errors.New("-ERR invalid password"))))
	require.False(t, IsPermanent(Auth(fmt.Errorf("read: %w", io.EOF))))
	require.False(t, IsPermanent(Auth(fmt.Errorf("dial: %w", syscall.ECONNRESET))))
	require.Nil(t, Auth(nil))
}

func TestIsNetwork(t *testing.T) {
	require.True(t, IsNetwork(os.ErrDeadlineExceeded))
	require.True(t, IsNetwork(fmt.Errorf("x: %w", io.ErrUnexpectedEOF)))
	require.False(t, IsNetwork(errors.New("NO [AUTHENTICATIONFAILED]")))
	require.False(t, IsNetwork(nil))
}

func TestKindString(t *testing.T) {
	require.Equal(t, "transient", KindTransient.String())
	require.Equal(t, "permanent", KindPermanent.String())
}
