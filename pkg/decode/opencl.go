package decode

import (
	"fmt"
	"unsafe"
)

/*
#cgo LDFLAGS: -lOpenCL
#define CL_TARGET_OPENCL_VERSION 120
#include <CL/cl.h>
#include <stdlib.h>

static cl_int clGetBuildLog(cl_program program, cl_device_id device, char *buf, size_t len) {
	return clGetProgramBuildInfo(program, device, CL_PROGRAM_BUILD_LOG, len, buf, NULL);
}
*/
import "C"

// clContext owns one OpenCL device, context, and in-order command queue.
// All kernel launches on a queue are implicitly ordered, which is exactly
// the dependency chain the depth pipeline needs.
type clContext struct {
	device  C.cl_device_id
	context C.cl_context
	queue   C.cl_command_queue
}

type clBuffer struct {
	mem  C.cl_mem
	size int
}

type clKernel struct {
	kernel C.cl_kernel
}

type clProgram struct {
	program C.cl_program
}

func clErr(op string, code C.cl_int) error {
	return fmt.Errorf("%s: cl error %d", op, int(code))
}

// newCLContext opens the first available GPU device, falling back to any
// default device when no GPU is present.
func newCLContext() (*clContext, error) {
	var platform C.cl_platform_id
	var numPlatforms C.cl_uint
	if rc := C.clGetPlatformIDs(1, &platform, &numPlatforms); rc != C.CL_SUCCESS || numPlatforms == 0 {
		return nil, fmt.Errorf("no OpenCL platform available")
	}

	var device C.cl_device_id
	if rc := C.clGetDeviceIDs(platform, C.CL_DEVICE_TYPE_GPU, 1, &device, nil); rc != C.CL_SUCCESS {
		if rc := C.clGetDeviceIDs(platform, C.CL_DEVICE_TYPE_DEFAULT, 1, &device, nil); rc != C.CL_SUCCESS {
			return nil, clErr("clGetDeviceIDs", rc)
		}
	}

	var rc C.cl_int
	context := C.clCreateContext(nil, 1, &device, nil, nil, &rc)
	if rc != C.CL_SUCCESS {
		return nil, clErr("clCreateContext", rc)
	}

	queue := C.clCreateCommandQueue(context, device, 0, &rc)
	if rc != C.CL_SUCCESS {
		C.clReleaseContext(context)
		return nil, clErr("clCreateCommandQueue", rc)
	}

	return &clContext{device: device, context: context, queue: queue}, nil
}

func (c *clContext) buildProgram(source, options string) (*clProgram, error) {
	csource := C.CString(source)
	defer C.free(unsafe.Pointer(csource))

	var rc C.cl_int
	program := C.clCreateProgramWithSource(c.context, 1, &csource, nil, &rc)
	if rc != C.CL_SUCCESS {
		return nil, clErr("clCreateProgramWithSource", rc)
	}

	coptions := C.CString(options)
	defer C.free(unsafe.Pointer(coptions))

	if rc := C.clBuildProgram(program, 1, &c.device, coptions, nil, nil); rc != C.CL_SUCCESS {
		buf := make([]byte, 16384)
		C.clGetBuildLog(program, c.device, (*C.char)(unsafe.Pointer(&buf[0])), C.size_t(len(buf)))
		C.clReleaseProgram(program)
		return nil, fmt.Errorf("clBuildProgram: %s", C.GoString((*C.char)(unsafe.Pointer(&buf[0]))))
	}

	return &clProgram{program: program}, nil
}

func (p *clProgram) release() {
	if p.program != nil {
		C.clReleaseProgram(p.program)
		p.program = nil
	}
}

func (c *clContext) newBuffer(readOnly bool, size int) (*clBuffer, error) {
	flags := C.cl_mem_flags(C.CL_MEM_READ_WRITE)
	if readOnly {
		flags = C.CL_MEM_READ_ONLY
	}
	var rc C.cl_int
	mem := C.clCreateBuffer(c.context, flags, C.size_t(size), nil, &rc)
	if rc != C.CL_SUCCESS {
		return nil, clErr("clCreateBuffer", rc)
	}
	return &clBuffer{mem: mem, size: size}, nil
}

func (b *clBuffer) release() {
	if b != nil && b.mem != nil {
		C.clReleaseMemObject(b.mem)
		b.mem = nil
	}
}

func (c *clContext) write(b *clBuffer, data unsafe.Pointer, size int) error {
	if size > b.size {
		return fmt.Errorf("write of %d bytes exceeds buffer size %d", size, b.size)
	}
	if rc := C.clEnqueueWriteBuffer(c.queue, b.mem, C.CL_FALSE, 0, C.size_t(size), data, 0, nil, nil); rc != C.CL_SUCCESS {
		return clErr("clEnqueueWriteBuffer", rc)
	}
	return nil
}

func (c *clContext) read(b *clBuffer, data unsafe.Pointer, size int) error {
	if size > b.size {
		return fmt.Errorf("read of %d bytes exceeds buffer size %d", size, b.size)
	}
	if rc := C.clEnqueueReadBuffer(c.queue, b.mem, C.CL_FALSE, 0, C.size_t(size), data, 0, nil, nil); rc != C.CL_SUCCESS {
		return clErr("clEnqueueReadBuffer", rc)
	}
	return nil
}

func (p *clProgram) newKernel(name string, args ...*clBuffer) (*clKernel, error) {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))

	var rc C.cl_int
	kernel := C.clCreateKernel(p.program, cname, &rc)
	if rc != C.CL_SUCCESS {
		return nil, clErr("clCreateKernel "+name, rc)
	}
	for i, arg := range args {
		if rc := C.clSetKernelArg(kernel, C.cl_uint(i), C.size_t(unsafe.Sizeof(arg.mem)), unsafe.Pointer(&arg.mem)); rc != C.CL_SUCCESS {
			C.clReleaseKernel(kernel)
			return nil, clErr(fmt.Sprintf("clSetKernelArg %s[%d]", name, i), rc)
		}
	}
	return &clKernel{kernel: kernel}, nil
}

func (k *clKernel) release() {
	if k != nil && k.kernel != nil {
		C.clReleaseKernel(k.kernel)
		k.kernel = nil
	}
}

func (c *clContext) enqueue(k *clKernel, globalSize int) error {
	gs := C.size_t(globalSize)
	if rc := C.clEnqueueNDRangeKernel(c.queue, k.kernel, 1, nil, &gs, nil, 0, nil, nil); rc != C.CL_SUCCESS {
		return clErr("clEnqueueNDRangeKernel", rc)
	}
	return nil
}

func (c *clContext) finish() error {
	if rc := C.clFinish(c.queue); rc != C.CL_SUCCESS {
		return clErr("clFinish", rc)
	}
	return nil
}

func (c *clContext) release() {
	if c.queue != nil {
		C.clReleaseCommandQueue(c.queue)
		c.queue = nil
	}
	if c.context != nil {
		C.clReleaseContext(c.context)
		c.context = nil
	}
}
