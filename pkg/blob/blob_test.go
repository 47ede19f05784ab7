package blob

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseURI(t *testing.T) {
	u, err := ParseURI("s3://my-bucket/path/to/errors.csv")
	require.NoError(t, err)
	assert.Equal(t, "my-bucket", u.Bucket)
	assert.Equal(t, "path/to/errors.csv", u.Key)
	assert.Equal(t, "s3://my-bucket/path/to/errors.csv", u.String())

	for _, bad := range []string{"", "http://b/k", "s3://", "s3://bucket", "s3://bucket/"} {
		_, err := ParseURI(bad)
		require.Error(t, err, bad)
	}
}

func TestLayout(t *testing.T) {
	l := Layout{Bucket: "scripts", TransformPrefix: "transform/"}
	assert.Equal(t, "s3://scripts/transform/palmbeach.zip", l.ScriptsURI("PalmBeach").String())
	assert.Equal(t, "s3://out/runs/1/seed_output.zip", SeedOutputURI("out", "runs/1").String())
	assert.Equal(t, "s3://out/runs/1/output.zip", PreparedOutputURI("out", "runs/1/").String())
}

func TestArchive_RoundTrip(t *testing.T) {
	a := Archive{
		"scripts/main.js": []byte("module.exports = 1\n"),
		"scripts/util.js": []byte("// util\n"),
		"input.csv":       []byte("county,config\npalmbeach,default\n"),
	}
	payload, err := a.Zip()
	require.NoError(t, err)

	back, err := Unzip(payload)
	require.NoError(t, err)
	assert.Equal(t, a, back)
}

func TestUnzip_RejectsGarbage(t *testing.T) {
	_, err := Unzip([]byte("not a zip"))
	require.Error(t, err)
}

func TestArchive_Find(t *testing.T) {
	a := Archive{"nested/dir/input.csv": []byte("x")}
	got, ok := a.Find("input.csv")
	require.True(t, ok)
	assert.Equal(t, []byte("x"), got)

	_, ok = a.Find("missing.csv")
	assert.False(t, ok)
}

func TestCountyFromInputs(t *testing.T) {
	t.Run("from input csv", func(t *testing.T) {
		a := Archive{"input.csv": []byte("id,county,config\n1,broward,default\n")}
		county, err := CountyFromInputs(a)
		require.NoError(t, err)
		assert.Equal(t, "broward", county)
	})

	t.Run("fallback to address json", func(t *testing.T) {
		a := Archive{
			"input.csv":                 []byte("id,config\n1,default\n"),
			"unnormalized_address.json": []byte(`{"county_jurisdiction":"palmbeach"}`),
		}
		county, err := CountyFromInputs(a)
		require.NoError(t, err)
		assert.Equal(t, "palmbeach", county)
	})

	t.Run("unresolvable", func(t *testing.T) {
		_, err := CountyFromInputs(Archive{"input.csv": []byte("id\n1\n")})
		require.Error(t, err)
	})
}
