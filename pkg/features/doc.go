// Package features discovers and runs customization features. A feature is
// an executable shipped under the features directory with a manifest.yaml
// describing it; the engine invokes features by name during the customizing
// stage.
package features
