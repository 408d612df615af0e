package webgpu

import "github.com/born-ml/layerkit/internal/device"

const workgroupSize = 256

// Forward kernels read binding 0 and write binding 1.
const forwardHeader = `
@group(0) @binding(0) var<storage, read> input: array<f32>;
@group(0) @binding(1) var<storage, read_write> result: array<f32>;

struct Params {
    size: u32,
}
@group(0) @binding(2) var<uniform> params: Params;

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) global_id: vec3<u32>) {
    let idx = global_id.x;
    if (idx < params.size) {
`

// Gradient kernels read the incoming gradient and the forward output.
const gradHeader = `
@group(0) @binding(0) var<storage, read> grad: array<f32>;
@group(0) @binding(1) var<storage, read> output: array<f32>;
@group(0) @binding(2) var<storage, read_write> result: array<f32>;

struct Params {
    size: u32,
}
@group(0) @binding(3) var<uniform> params: Params;

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) global_id: vec3<u32>) {
    let idx = global_id.x;
    if (idx < params.size) {
`

const footer = `
    }
}
`

var forwardBodies = map[device.Op]string{
	device.Identity: `result[idx] = input[idx];`,
	device.ReLU:     `result[idx] = max(0.0, input[idx]);`,
	device.Sigmoid:  `result[idx] = 1.0 / (1.0 + exp(-input[idx]));`,
	device.Tanh:     `result[idx] = tanh(input[idx]);`,
}

var gradBodies = map[device.Op]string{
	device.Identity: `result[idx] = grad[idx];`,
	device.ReLU:     `result[idx] = select(0.0, grad[idx], output[idx] > 0.0);`,
	device.Sigmoid:  `result[idx] = grad[idx] * output[idx] * (1.0 - output[idx]);`,
	device.Tanh:     `result[idx] = grad[idx] * (1.0 - output[idx] * output[idx]);`,
}

// shaderSource returns the WGSL for op, or false if op has no kernel.
func shaderSource(op device.Op, grad bool) (name, code string, ok bool) {
	bodies, header, prefix := forwardBodies, forwardHeader, "fwd_"
	if grad {
		bodies, header, prefix = gradBodies, gradHeader, "grad_"
	}
	body, ok := bodies[op]
	if !ok {
		return "", "", false
	}
	return prefix + op.String(), header + "        " + body + footer, true
}
