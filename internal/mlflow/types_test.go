package mlflow

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/mlflow-exim/internal/config"
	"github.com/fentz26/mlflow-exim/internal/errs"
)

func TestMetricDecodesNonFiniteValues(t *testing.T) {
	var metrics []Metric
	data := `[
		{"key":"a","value":"NaN","timestamp":"1700000000000","step":"3"},
		{"key":"b","value":"Infinity","timestamp":1,"step":0},
		{"key":"c","value":"-Infinity","timestamp":1,"step":0},
		{"key":"d","value":0.1,"timestamp":1,"step":0}
	]`
	require.NoError(t, json.Unmarshal([]byte(data), &metrics))

	assert.True(t, math.IsNaN(float64(metrics[0].Value)))
	assert.Equal(t, Int64(1700000000000), metrics[0].Timestamp)
	assert.Equal(t, Int64(3), metrics[0].Step)
	assert.True(t, math.IsInf(float64(metrics[1].Value), 1))
	assert.True(t, math.IsInf(float64(metrics[2].Value), -1))
	assert.Equal(t, Float(0.1), metrics[3].Value)
}

func TestFloatMarshal(t *testing.T) {
	out, err := json.Marshal([]Float{Float(math.NaN()), Float(math.Inf(1)), 0.1, 1e21})
	require.NoError(t, err)
	assert.Equal(t, `["NaN","Infinity",0.1,1e+21]`, string(out))
}

func TestPermissionsFlattenInherited(t *testing.T) {
	data := `{
		"object_id": "/experiments/7",
		"access_control_list": [
			{"user_name": "a@x", "all_permissions": [{"permission_level": "CAN_MANAGE", "inherited": true}, {"permission_level": "CAN_EDIT", "inherited": false}]},
			{"group_name": "admins", "all_permissions": [{"permission_level": "CAN_MANAGE", "inherited": true}]}
		]
	}`
	var p Permissions
	require.NoError(t, json.Unmarshal([]byte(data), &p))
	require.Len(t, p.AccessControlList, 1)
	assert.Equal(t, AccessControl{UserName: "a@x", PermissionLevel: "CAN_EDIT"}, p.AccessControlList[0])
}

func TestRegistryFlavour(t *testing.T) {
	assert.Equal(t, Classic, RegistryFlavour("churn"))
	assert.Equal(t, Catalog, RegistryFlavour("main.ml.churn"))
	assert.True(t, Classic.SupportsStages())
	assert.False(t, Catalog.SupportsStages())

	assert.Equal(t, "/api/2.0/mlflow/registered-models/get", registryPath(Classic, "registered-models/get"))
	assert.Equal(t, "/api/2.0/mlflow/unity-catalog/registered-models/get", registryPath(Catalog, "registered-models/get"))
}

func TestResolveHost(t *testing.T) {
	tests := []struct {
		name string
		tc   config.TrackingConfig
		want string
		kind errs.Kind
	}{
		{"http", config.TrackingConfig{URI: "http://localhost:5000/"}, "http://localhost:5000", ""},
		{"databricks", config.TrackingConfig{URI: "databricks", Host: "adb-1.azuredatabricks.net"}, "https://adb-1.azuredatabricks.net", ""},
		{"databricks-uc", config.TrackingConfig{URI: "databricks-uc", Host: "https://dbc.cloud/"}, "https://dbc.cloud", ""},
		{"databricks without host", config.TrackingConfig{URI: "databricks://prod"}, "", errs.KindInvalid},
		{"file store", config.TrackingConfig{URI: "./mlruns"}, "", errs.KindInvalid},
		{"unknown scheme", config.TrackingConfig{URI: "sqlite:///mlflow.db"}, "", errs.KindInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveHost(tt.tc)
			if tt.kind != "" {
				assert.True(t, errs.Is(err, tt.kind), "err = %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRunInfoID(t *testing.T) {
	assert.Equal(t, "a", RunInfo{RunID: "a", RunUUID: "b"}.ID())
	assert.Equal(t, "b", RunInfo{RunUUID: "b"}.ID())
}
