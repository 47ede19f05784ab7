package callback

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/sfn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSFN struct {
	successes []*sfn.SendTaskSuccessInput
	failures  []*sfn.SendTaskFailureInput
}

func (f *fakeSFN) SendTaskSuccess(_ context.Context, in *sfn.SendTaskSuccessInput, _ ...func(*sfn.Options)) (*sfn.SendTaskSuccessOutput, error) {
	f.successes = append(f.successes, in)
	return &sfn.SendTaskSuccessOutput{}, nil
}

func (f *fakeSFN) SendTaskFailure(_ context.Context, in *sfn.SendTaskFailureInput, _ ...func(*sfn.Options)) (*sfn.SendTaskFailureOutput, error) {
	f.failures = append(f.failures, in)
	return &sfn.SendTaskFailureOutput{}, nil
}

func TestSuccess(t *testing.T) {
	fake := &fakeSFN{}
	n := &Notifier{client: fake}

	require.NoError(t, n.Success(context.Background(), "tok-1", "s3://b/output.zip", "palmbeach"))
	require.Len(t, fake.successes, 1)
	assert.Equal(t, "tok-1", *fake.successes[0].TaskToken)

	var out SuccessOutput
	require.NoError(t, json.Unmarshal([]byte(*fake.successes[0].Output), &out))
	assert.Equal(t, "s3://b/output.zip", out.OutputS3Uri)
	assert.Equal(t, "palmbeach", out.County)
}

func TestSuccess_RequiresToken(t *testing.T) {
	n := &Notifier{client: &fakeSFN{}}
	require.Error(t, n.Success(context.Background(), "", "s3://b/o.zip", "palmbeach"))
}

func TestFailure_TruncatesCause(t *testing.T) {
	fake := &fakeSFN{}
	n := &Notifier{client: fake}

	detail := map[string]string{"message": strings.Repeat("x", 1000)}
	require.NoError(t, n.Failure(context.Background(), "tok-1", "13101", "palmbeach", detail))
	require.Len(t, fake.failures, 1)

	in := fake.failures[0]
	assert.Equal(t, "13101palmbeach", *in.Error)
	assert.LessOrEqual(t, len(*in.Cause), 256)
	assert.True(t, strings.HasPrefix(*in.Cause, `{"message"`))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", Truncate("abc", 5))
	assert.Equal(t, "ab", Truncate("abcde", 2))
	assert.Equal(t, "", Truncate("", 2))
}
