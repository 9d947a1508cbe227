// Package comfyui is a thin HTTP client for the ComfyUI API.
//
// It queues workflow graphs, decodes history and queue payloads into a tagged
// Status variant (never raising on unfamiliar shapes), reads /system_stats for
// VRAM telemetry, uploads reference images, and interrupts running prompts.
// The client performs no retries; callers own retry policy.
package comfyui
