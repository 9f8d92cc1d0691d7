package s3

import (
	"testing"
)

func TestParseURL(t *testing.T) {
	tests := []struct {
		name       string
		input      string
		wantBucket string
		wantKey    string
		wantErr    bool
	}{
		{name: "nested key", input: "s3://bucket/dir/archive.zip", wantBucket: "bucket", wantKey: "dir/archive.zip"},
		{name: "wrong scheme", input: "https://bucket/archive.zip", wantErr: true},
		{name: "missing key", input: "s3://bucket", wantErr: true},
		{name: "empty key", input: "s3://bucket/", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bucket, key, err := ParseURL(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseURL() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if bucket != tt.wantBucket || key != tt.wantKey {
				t.Fatalf("ParseURL() = %q, %q, want %q, %q", bucket, key, tt.wantBucket, tt.wantKey)
			}
		})
	}
}
